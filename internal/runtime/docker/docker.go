// Package docker implements runtime.Adapter against the Docker Engine API.
// All Docker SDK calls live here so no other package needs to import the SDK
// directly; swapping container runtimes later means touching only this
// package.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerSDKclient "github.com/docker/docker/client"

	"github.com/corvus-paas/corvus-gate/internal/runtime"
)

// Client wraps the Docker SDK client with a logger. It is safe to share
// across goroutines: the SDK handles its own connection concurrency.
type Client struct {
	sdk    *dockerSDKclient.Client
	logger *slog.Logger
}

// New connects to the Docker daemon using the standard environment
// variables ($DOCKER_HOST etc, falling back to the default Unix socket) and
// pings it with a short timeout to fail fast if the daemon is unreachable.
// A failure here is fatal at startup: the gateway cannot manage any backend
// without a working runtime.
func New(ctx context.Context, logger *slog.Logger) (*Client, error) {
	sdk, err := dockerSDKclient.NewClientWithOpts(
		dockerSDKclient.FromEnv,
		dockerSDKclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker: create sdk client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := sdk.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("docker: daemon unreachable: %w", err)
	}

	logger.Info("docker client connected", "host", sdk.DaemonHost())
	return &Client{sdk: sdk, logger: logger}, nil
}

// Close releases the underlying SDK client connection.
func (c *Client) Close() error {
	return c.sdk.Close()
}

var _ runtime.Adapter = (*Client)(nil)

// Status reports the out-of-band phase of the named container, letting the
// backend controller reconcile against state changes it did not cause
// itself (manual docker stop/restart, OOM kill, host reboot).
func (c *Client) Status(ctx context.Context, containerName string) (runtime.Phase, error) {
	summary, err := c.find(ctx, containerName)
	if err != nil {
		return "", err
	}
	if summary == nil {
		return runtime.PhaseMissing, nil
	}

	switch summary.State {
	case "running":
		return runtime.PhaseRunning, nil
	case "restarting":
		return runtime.PhaseRestarting, nil
	default:
		return runtime.PhaseStopped, nil
	}
}

// Start transitions the named container to running. Starting an
// already-running container is treated as success, matching Docker's own
// idempotent behavior for that case.
func (c *Client) Start(ctx context.Context, containerName string) error {
	summary, err := c.find(ctx, containerName)
	if err != nil {
		return err
	}
	if summary == nil {
		return fmt.Errorf("docker: start %q: %w", containerName, runtime.ErrContainerNotFound)
	}
	if summary.State == "running" {
		return nil
	}

	if err := c.sdk.ContainerStart(ctx, summary.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker: start %q: %w", containerName, err)
	}

	c.logger.Info("container started", "container_name", containerName)
	return nil
}

// Stop stops the named container, giving it up to grace before Docker
// escalates to a forceful kill. A missing container is not an error: the
// desired end state (not running) is already satisfied.
func (c *Client) Stop(ctx context.Context, containerName string, grace time.Duration) error {
	summary, err := c.find(ctx, containerName)
	if err != nil {
		return err
	}
	if summary == nil {
		return nil
	}
	if summary.State != "running" {
		return nil
	}

	timeoutSeconds := int(grace.Round(time.Second).Seconds())
	if err := c.sdk.ContainerStop(ctx, summary.ID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("docker: stop %q: %w", containerName, err)
	}

	c.logger.Info("container stopped", "container_name", containerName)
	return nil
}

// Ready performs a single readiness probe: a raw TCP dial to the container's
// published internal port. It does not retry; the backend controller owns
// the polling loop and interval.
func (c *Client) Ready(ctx context.Context, containerName string, internalPort int) (bool, error) {
	summary, err := c.find(ctx, containerName)
	if err != nil {
		return false, err
	}
	if summary == nil || summary.State != "running" {
		return false, nil
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(containerName, strconv.Itoa(internalPort)))
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

// find looks up a container by its exact name, returning nil (not an error)
// when no such container exists. Docker's name filter matches substrings, so
// the result list is narrowed further by an exact "/name" comparison, the
// same two-step lookup the rest of the pack uses against this API.
func (c *Client) find(ctx context.Context, containerName string) (*containerSummary, error) {
	listFilters := filters.NewArgs(filters.Arg("name", containerName))

	containers, err := c.sdk.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: listFilters,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers matching %q: %w", containerName, err)
	}

	targetName := "/" + containerName
	for _, listed := range containers {
		for _, name := range listed.Names {
			if name == targetName {
				return &containerSummary{ID: listed.ID, State: listed.State}, nil
			}
		}
	}
	return nil, nil
}

type containerSummary struct {
	ID    string
	State string
}

// IsNotFound reports whether err wraps runtime.ErrContainerNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, runtime.ErrContainerNotFound)
}
