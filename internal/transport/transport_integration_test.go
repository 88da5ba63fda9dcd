//go:build integration

package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dhiraj-trilio/trilio-dms/internal/config"
)

// startBroker runs a disposable RabbitMQ container and returns a
// config.BrokerConfig pointed at it. No dedicated testcontainers module
// ships a rabbitmq wrapper in this module's dependency set, so this uses
// the generic container API directly, the same way the ledger's postgres
// module wraps GenericContainer internally.
func startBroker(t *testing.T) *config.BrokerConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.12-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	return &config.BrokerConfig{
		URL:        fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()),
		RPCTimeout: 10 * time.Second,
		Heartbeat:  10 * time.Second,
		Prefetch:   1,
		QueueTTL:   time.Hour,
	}
}

func TestClientCallRoundTripsThroughRealBroker(t *testing.T) {
	cfg := startBroker(t)

	srv, err := NewServer(cfg, "node-1", func(ctx context.Context, req *MountRequest) (*MountResponse, error) {
		return SuccessResponse(req.BackupTarget.FilesystemExportMountPath, "mounted"), nil
	})
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(serveCtx) }()

	client, err := NewClient(cfg)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	resp, err := client.Call(context.Background(), "node-1", validRequest(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "/m/A", resp.MountPath)
}

func TestClientCallTimesOutWhenNoServerListening(t *testing.T) {
	cfg := startBroker(t)

	client, err := NewClient(cfg)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.Call(context.Background(), "node-nobody-home", validRequest(), 500*time.Millisecond)
	assert.Error(t, err)
}

func TestServerHandlerErrorBecomesErrorResponse(t *testing.T) {
	cfg := startBroker(t)

	srv, err := NewServer(cfg, "node-2", func(ctx context.Context, req *MountRequest) (*MountResponse, error) {
		return nil, fmt.Errorf("boom")
	})
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(serveCtx) }()

	client, err := NewClient(cfg)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	resp, err := client.Call(context.Background(), "node-2", validRequest(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.ErrorMsg, "boom")
}
