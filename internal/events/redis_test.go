package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"predict-duel/internal/domain"
)

// setupRedis starts a Redis container and returns its address.
func setupRedis(t *testing.T) (string, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port()), func() {
		_ = container.Terminate(ctx)
	}
}

func TestRedisPublisher_PublishAndSubscribe(t *testing.T) {
	addrStr, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pub, err := NewRedisPublisher(ctx, RedisConfig{Addr: addrStr}, nil)
	require.NoError(t, err)
	defer pub.Close()
	assert.Equal(t, "redis", pub.Name())

	live, err := pub.Subscribe(ctx)
	require.NoError(t, err)

	evs := []*domain.SettlementEvent{testEvent(addr(9), 1), testEvent(addr(9), 2)}
	require.NoError(t, pub.Publish(ctx, evs))

	for i := range evs {
		select {
		case got := <-live:
			assert.Equal(t, evs[i], got)
		case <-ctx.Done():
			t.Fatal("timed out waiting for live event")
		}
	}

	replayed, lastID, err := pub.Replay(ctx, "0", 10)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, evs[1].EventID, replayed[1].Event.EventID)
	assert.Equal(t, replayed[1].ID, lastID)
	assert.True(t, ValidStreamID(lastID))

	// Resuming after the first entry yields only the second.
	rest, _, err := pub.Replay(ctx, replayed[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, evs[1].EventID, rest[0].Event.EventID)

	// Nothing after the last entry.
	more, _, err := pub.Replay(ctx, lastID, 10)
	require.NoError(t, err)
	assert.Empty(t, more)
}

func TestNewRedisPublisher_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisPublisher(ctx, RedisConfig{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}

func TestValidStreamID(t *testing.T) {
	for id, want := range map[string]bool{
		"0":               true,
		"1526985054069":   true,
		"1526985054069-3": true,
		"":                false,
		"-1":              false,
		"1526985054069-":  false,
		"$":               false,
		"12a-0":           false,
	} {
		assert.Equal(t, want, ValidStreamID(id), id)
	}
}
