// Package testinfra starts throwaway infrastructure for integration tests.
package testinfra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Service is a running container and the address tests connect to.
type Service struct {
	container testcontainers.Container
	Host      string
	Port      string
}

// Terminate stops the container.
func (s *Service) Terminate(ctx context.Context) error {
	return s.container.Terminate(ctx)
}

// StartPostgres starts PostgreSQL with user/password/fern credentials.
func StartPostgres(ctx context.Context) (*Service, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "user",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "fern",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432")
}

// StartRedis starts Redis.
func StartRedis(ctx context.Context) (*Service, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	}, "6379")
}

func start(ctx context.Context, req testcontainers.ContainerRequest, port string) (*Service, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Service{container: container, Host: host, Port: mapped.Port()}, nil
}

// Require starts a service for t, skipping in short mode or when no container runtime is
// reachable. The container is terminated when the test ends.
func Require(t *testing.T, startFn func(context.Context) (*Service, error)) *Service {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	ctx := context.Background()
	svc, err := startFn(ctx)
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = svc.Terminate(ctx) })
	return svc
}
