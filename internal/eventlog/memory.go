package eventlog

import (
	"context"
	"sync"

	"github.com/lifeline-sos/lifeline/internal/logger"
)

// Memory is an in-process Log used by tests and single-process development.
// Delivery is synchronous inside Publish, which keeps tests deterministic;
// handler errors are logged and the event stays in the published list so a
// test can redeliver it explicitly.
type Memory struct {
	// mu protects published events and consumer groups.
	mu sync.Mutex
	// published holds every envelope in publish order.
	published []*Envelope
	// groups holds the attached consumer groups.
	groups []*memoryGroup
}

// memoryGroup is one attached consumer group.
type memoryGroup struct {
	// name identifies the group.
	name string
	// subjects are the subscription patterns.
	subjects []string
	// handler processes delivered envelopes.
	handler Handler
}

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish records the envelope and delivers it to every matching group.
func (m *Memory) Publish(ctx context.Context, env *Envelope) error {
	m.mu.Lock()
	m.published = append(m.published, env)
	groups := append([]*memoryGroup(nil), m.groups...)
	m.mu.Unlock()

	m.deliver(ctx, env, groups)

	return nil
}

// Subscribe attaches a consumer group. One Subscribe call per group.
func (m *Memory) Subscribe(_ context.Context, group string, subjects []string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.groups = append(m.groups, &memoryGroup{
		name:     group,
		subjects: subjects,
		handler:  handler,
	})

	return nil
}

// Redeliver hands the envelope to matching groups again, simulating
// at-least-once redelivery in tests.
func (m *Memory) Redeliver(ctx context.Context, env *Envelope) {
	m.mu.Lock()
	groups := append([]*memoryGroup(nil), m.groups...)
	m.mu.Unlock()

	m.deliver(ctx, env, groups)
}

// deliver hands the envelope to every group with a matching subscription.
func (m *Memory) deliver(ctx context.Context, env *Envelope, groups []*memoryGroup) {
	for _, g := range groups {
		for _, pattern := range g.subjects {
			if !subjectMatches(pattern, env.Subject) {
				continue
			}

			if err := g.handler(ctx, env); err != nil {
				logger.WarnKV(ctx, "In-memory event handling failed",
					"group", g.name, "subject", env.Subject, "error", err)
			}

			break
		}
	}
}

// Published returns a snapshot of every published envelope.
func (m *Memory) Published() []*Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*Envelope(nil), m.published...)
}

// BySubject returns published envelopes for one subject, in order.
func (m *Memory) BySubject(subject string) []*Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Envelope

	for _, env := range m.published {
		if env.Subject == subject {
			result = append(result, env)
		}
	}

	return result
}
