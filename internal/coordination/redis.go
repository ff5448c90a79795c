package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lifeline-sos/lifeline/internal/domain/emergency"
)

// RedisConfig holds connection parameters for the coordination backend.
type RedisConfig struct {
	// Addr is the redis server address.
	Addr string `yaml:"addr"`
	// Password authenticates the connection when set.
	Password string `yaml:"password"`
	// DB selects the redis database.
	DB int `yaml:"db"`
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// Timeout bounds individual read/write operations.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries bounds client-side retries.
	MaxRetries int `yaml:"max_retries"`
}

// Redis implements Lease, Deduper and LocationCache on one redis client.
type Redis struct {
	// client is the shared redis connection.
	client *redis.Client
}

// NewRedis connects to redis and verifies connectivity.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Acquire claims the key with SET NX PX semantics.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, "lease:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}

	return ok, nil
}

// Release drops the claim early.
func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, "lease:"+key).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}

	return nil
}

// Seen reports whether the key was marked inside its window.
func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, "dedup:"+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check %s: %w", key, err)
	}

	return n > 0, nil
}

// Mark records the key as completed for the duration of the window.
func (r *Redis) Mark(ctx context.Context, key string, window time.Duration) error {
	if err := r.client.Set(ctx, "dedup:"+key, 1, window).Err(); err != nil {
		return fmt.Errorf("dedup mark %s: %w", key, err)
	}

	return nil
}

// latestLocationTTL bounds how long a cached point outlives its emergency.
const latestLocationTTL = time.Hour

// SetLatest stores the newest point for an emergency.
func (r *Redis) SetLatest(ctx context.Context, point *emergency.LocationPoint) error {
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("marshal location point: %w", err)
	}

	key := "location:latest:" + point.EmergencyID.String()
	if err := r.client.Set(ctx, key, data, latestLocationTTL).Err(); err != nil {
		return fmt.Errorf("cache latest location: %w", err)
	}

	return nil
}

// GetLatest returns the cached point, or nil on a cache miss.
func (r *Redis) GetLatest(ctx context.Context, emergencyID uuid.UUID) (*emergency.LocationPoint, error) {
	data, err := r.client.Get(ctx, "location:latest:"+emergencyID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read latest location: %w", err)
	}

	var point emergency.LocationPoint
	if err := json.Unmarshal(data, &point); err != nil {
		return nil, fmt.Errorf("unmarshal latest location: %w", err)
	}

	return &point, nil
}

// Close releases the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
