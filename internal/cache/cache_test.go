package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestCache boots an ephemeral redis via testcontainers-go, mirroring
// store_test.go's postgres container. Skipped when Docker is unavailable.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	if os.Getenv("CI_NO_DOCKER") != "" {
		t.Skip("docker unavailable in this environment")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("could not start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })

	lg := logrus.New()
	lg.SetLevel(logrus.PanicLevel)
	return New(client, lg, time.Minute)
}

func TestGetMissReturnsErrMiss(t *testing.T) {
	c := newTestCache(t)
	_, _, _, _, _, err := c.Get(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrMiss)
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	output := `{"summary":"ok"}`

	require.NoError(t, c.Put(ctx, "hash-1", "conv-1", &output, "positive", []string{"billing"}, nil))

	convID, llmOutput, sentiment, topics, _, err := c.Get(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, "conv-1", convID)
	require.Equal(t, &output, llmOutput)
	require.Equal(t, "positive", sentiment)
	require.Equal(t, []string{"billing"}, topics)
}
