// Package containertest starts throwaway service containers for integration
// tests. Tests are skipped with -short or when no container provider is usable.
package containertest

import (
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Endpoint starts image, waits for port and returns scheme://host:mapped-port.
func Endpoint(t *testing.T, image string, port string, scheme string, cmd ...string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped with -short")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{port},
		Cmd:          cmd,
		WaitingFor:   wait.ForListeningPort(nat.Port(port)),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)

	endpoint, err := c.PortEndpoint(ctx, nat.Port(port), scheme)
	require.NoError(t, err)
	return endpoint
}

func NATS(t *testing.T) string {
	t.Helper()
	return Endpoint(t, "nats:2.10-alpine", "4222/tcp", "nats")
}

func Redis(t *testing.T) string {
	t.Helper()
	return Endpoint(t, "redis:7-alpine", "6379/tcp", "redis")
}
