//go:build integration

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appbilling "github.com/erp/tokenledger/internal/application/billing"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start Redis container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisTenantLocker_Integration(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	t.Run("two instances never hold the same tenant", func(t *testing.T) {
		tenantID := uuid.New()
		instances := []*RedisTenantLocker{
			NewRedisTenantLocker(client, appbilling.NewLocalTenantLocker(), WithLockRetryInterval(5*time.Millisecond)),
			NewRedisTenantLocker(client, appbilling.NewLocalTenantLocker(), WithLockRetryInterval(5*time.Millisecond)),
		}

		var (
			wg      sync.WaitGroup
			holders atomic.Int32
			maxSeen atomic.Int32
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(locker *RedisTenantLocker) {
				defer wg.Done()
				unlock, err := locker.Lock(ctx, tenantID)
				if !assert.NoError(t, err) {
					return
				}
				n := holders.Add(1)
				for {
					seen := maxSeen.Load()
					if n <= seen || maxSeen.CompareAndSwap(seen, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				holders.Add(-1)
				unlock()
			}(instances[i%2])
		}
		wg.Wait()

		assert.Equal(t, int32(1), maxSeen.Load())
	})

	t.Run("release removes the lease", func(t *testing.T) {
		tenantID := uuid.New()
		locker := NewRedisTenantLocker(client, nil)
		unlock, err := locker.Lock(ctx, tenantID)
		require.NoError(t, err)

		exists, err := client.Exists(ctx, defaultLockKeyPrefix+tenantID.String()).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), exists)

		unlock()
		unlock()

		exists, err = client.Exists(ctx, defaultLockKeyPrefix+tenantID.String()).Result()
		require.NoError(t, err)
		assert.Zero(t, exists)
	})

	t.Run("release leaves a lease taken over after expiry", func(t *testing.T) {
		tenantID := uuid.New()
		key := defaultLockKeyPrefix + tenantID.String()
		locker := NewRedisTenantLocker(client, nil, WithLockTTL(50*time.Millisecond))
		unlock, err := locker.Lock(ctx, tenantID)
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, client.Set(ctx, key, "other-instance", time.Minute).Err())

		unlock()

		value, err := client.Get(ctx, key).Result()
		require.NoError(t, err)
		assert.Equal(t, "other-instance", value)
	})

	t.Run("waiting for a busy lease honours the context", func(t *testing.T) {
		tenantID := uuid.New()
		holder := NewRedisTenantLocker(client, nil)
		unlock, err := holder.Lock(ctx, tenantID)
		require.NoError(t, err)
		defer unlock()

		waiter := NewRedisTenantLocker(client, nil)
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = waiter.Lock(waitCtx, tenantID)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
