package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lifeline-sos/lifeline/internal/logger"
)

// NATSConfig holds connection parameters for the JetStream-backed log.
type NATSConfig struct {
	// URL is the NATS server address.
	URL string `yaml:"url"`
	// Name identifies this client on the server.
	Name string `yaml:"name"`
	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// MaxReconnects bounds reconnect attempts; negative means unlimited.
	MaxReconnects int `yaml:"max_reconnects"`
	// ConnectTimeout bounds the initial connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// MaxAge bounds event retention in the stream.
	MaxAge time.Duration `yaml:"max_age"`
}

// NATSLog is the JetStream-backed event log.
type NATSLog struct {
	// conn is the underlying NATS connection.
	conn *nats.Conn
	// js is the JetStream context used for publishing and consuming.
	js nats.JetStreamContext
	// mu protects the subscription list.
	mu sync.Mutex
	// subs tracks active subscriptions for draining on close.
	subs []*nats.Subscription
}

// NewNATSLog connects to NATS and ensures the orchestration stream exists.
func NewNATSLog(cfg NATSConfig) (*NATSLog, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if err := ensureStream(js, cfg.MaxAge); err != nil {
		conn.Close()

		return nil, err
	}

	return &NATSLog{
		conn: conn,
		js:   js,
	}, nil
}

// ensureStream creates the stream on first use; existing streams are kept.
func ensureStream(js nats.JetStreamContext, maxAge time.Duration) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("inspect stream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectAll},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	return nil
}

// Publish appends the envelope to the stream, waiting for the broker ack so
// the event is durable before the caller proceeds.
func (l *NATSLog) Publish(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if _, err := l.js.Publish(env.Subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", env.Subject, err)
	}

	return nil
}

// Subscribe attaches a durable queue consumer per subject. The group name
// keys the durable cursor, so restarts resume where the group left off and
// multiple processes in the same group share the work.
func (l *NATSLog) Subscribe(ctx context.Context, group string, subjects []string, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, subject := range subjects {
		durable := durableName(group, subject)

		sub, err := l.js.QueueSubscribe(subject, group, func(msg *nats.Msg) {
			l.dispatch(ctx, msg, handler)
		},
			nats.Durable(durable),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.DeliverAll(),
		)
		if err != nil {
			return fmt.Errorf("subscribe %s for %s: %w", subject, group, err)
		}

		l.subs = append(l.subs, sub)
	}

	return nil
}

// dispatch decodes and handles one delivered message. Handler failures leave
// the message unacknowledged so JetStream redelivers it.
func (l *NATSLog) dispatch(ctx context.Context, msg *nats.Msg, handler Handler) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logger.ErrorKV(ctx, "Dropping undecodable event", "subject", msg.Subject, "error", err)
		//nolint:errcheck // A poison message is terminated, not redelivered.
		msg.Term()

		return
	}

	if err := handler(ctx, &env); err != nil {
		logger.WarnKV(ctx, "Event handling failed, leaving for redelivery",
			"subject", env.Subject, "emergency_id", env.EmergencyID, "error", err)
		//nolint:errcheck // Redelivery is the recovery path.
		msg.Nak()

		return
	}

	//nolint:errcheck // A lost ack only causes a redundant redelivery.
	msg.Ack()
}

// Close drains all subscriptions and the connection.
func (l *NATSLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, sub := range l.subs {
		//nolint:errcheck // Best-effort teardown.
		sub.Unsubscribe()
	}

	l.subs = nil

	if err := l.conn.Drain(); err != nil {
		return fmt.Errorf("drain connection: %w", err)
	}

	return nil
}

// durableName derives a JetStream-legal durable consumer name.
func durableName(group, subject string) string {
	return group + "-" + strings.ReplaceAll(strings.TrimSuffix(subject, ".>"), ".", "-")
}
