package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	appbilling "github.com/erp/tokenledger/internal/application/billing"
	"github.com/erp/tokenledger/internal/infrastructure/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLockKeyPrefix     = "ledger:lock:"
	defaultLockTTL           = 15 * time.Second
	defaultLockRetryInterval = 25 * time.Millisecond
	lockReleaseTimeout       = 2 * time.Second
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTenantLocker extends an in-process locker with a Redis lease so that
// several ledger instances never mutate the same tenant at once. The local
// lock is taken first; only one goroutine per process then competes for
// the lease.
type RedisTenantLocker struct {
	client        *redis.Client
	local         appbilling.TenantLocker
	keyPrefix     string
	ttl           time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
}

// RedisTenantLockerOption configures a RedisTenantLocker
type RedisTenantLockerOption func(*RedisTenantLocker)

// WithLockTTL sets the lease lifetime. It bounds how long a crashed
// instance can block a tenant and must exceed the longest mutation.
func WithLockTTL(ttl time.Duration) RedisTenantLockerOption {
	return func(l *RedisTenantLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockRetryInterval sets how often a busy lease is polled
func WithLockRetryInterval(d time.Duration) RedisTenantLockerOption {
	return func(l *RedisTenantLocker) {
		if d > 0 {
			l.retryInterval = d
		}
	}
}

// WithLockKeyPrefix sets the Redis key prefix
func WithLockKeyPrefix(prefix string) RedisTenantLockerOption {
	return func(l *RedisTenantLocker) {
		if prefix != "" {
			l.keyPrefix = prefix
		}
	}
}

// WithLockLogger sets the logger
func WithLockLogger(logger *zap.Logger) RedisTenantLockerOption {
	return func(l *RedisTenantLocker) {
		l.logger = logger
	}
}

// NewRedisTenantLocker creates a locker on an existing client. A nil local
// locker gets a fresh LocalTenantLocker.
func NewRedisTenantLocker(client *redis.Client, local appbilling.TenantLocker, opts ...RedisTenantLockerOption) *RedisTenantLocker {
	if local == nil {
		local = appbilling.NewLocalTenantLocker()
	}
	l := &RedisTenantLocker{
		client:        client,
		local:         local,
		keyPrefix:     defaultLockKeyPrefix,
		ttl:           defaultLockTTL,
		retryInterval: defaultLockRetryInterval,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Lock takes the local lock, then the Redis lease, waiting for both until
// ctx is done.
func (l *RedisTenantLocker) Lock(ctx context.Context, tenantID uuid.UUID) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	key := l.keyPrefix + tenantID.String()
	token := uuid.NewString()

	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire tenant %s lease: %w", tenantID, err)
		}
		if acquired {
			break
		}

		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			unlockLocal()
			return nil, fmt.Errorf("waiting for tenant %s lease: %w", tenantID, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			defer unlockLocal()
			releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			defer cancel()
			released, err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Int()
			switch {
			case err != nil:
				l.logger.Warn("Failed to release tenant lease, it will expire",
					zap.String("tenant_id", tenantID.String()),
					zap.Duration("ttl", l.ttl),
					zap.Error(err))
			case released == 0:
				l.logger.Warn("Tenant lease expired before release",
					zap.String("tenant_id", tenantID.String()),
					zap.Duration("ttl", l.ttl))
			}
		})
	}, nil
}

var _ appbilling.TenantLocker = (*RedisTenantLocker)(nil)
