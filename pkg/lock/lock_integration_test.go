//go:build integration

package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start Redis container")

	endpoint, err := redisContainer.Endpoint(ctx, "")
	require.NoError(t, err, "get Redis endpoint")

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	require.NoError(t, client.Ping(ctx).Err(), "connect to Redis")

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestLocker_Integration_ExclusiveRuns(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx := context.Background()
	key := Key("/srv/assets")

	runA := NewLocker(redisClient, logger)
	runB := NewLocker(redisClient, logger)

	lease, err := runA.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = runB.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lease.Release(ctx))

	second, err := runB.Acquire(ctx, key, time.Minute)
	require.NoError(t, err, "Acquire after release")
	defer second.Release(ctx)
}

func TestLocker_Integration_Expiry(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	locker := NewLocker(redisClient, logger)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "short", 200*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)

	next, err := locker.Acquire(ctx, "short", time.Minute)
	require.NoError(t, err, "Acquire after expiry")
	defer next.Release(ctx)

	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)
}

func TestLocker_Integration_KeepAliveHoldsAgainstSecondRun(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := Key("/srv/assets")
	ttl := 300 * time.Millisecond

	lease, err := NewLocker(redisClient, logger).Acquire(ctx, key, ttl)
	require.NoError(t, err)
	lease.KeepAlive(ctx, ttl)

	time.Sleep(3 * ttl)

	_, err = NewLocker(redisClient, logger).Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrLocked, "a kept-alive lease must still exclude other runs")

	cancel()
	require.NoError(t, lease.Release(context.Background()))
}
