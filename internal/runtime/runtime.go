// Package runtime defines the container-runtime adapter interface that the
// backend lifecycle controller drives. A concrete adapter
// (internal/runtime/docker) implements this against the Docker Engine API;
// the controller itself never imports the Docker SDK directly.
package runtime

import (
	"context"
	"errors"
	"time"
)

// Phase mirrors the out-of-band state a container can be observed in,
// independent of the gateway's own in-memory phase tracking. The controller
// reconciles against it to catch externally-caused state changes.
type Phase string

const (
	PhaseRunning    Phase = "running"
	PhaseStopped    Phase = "stopped"
	PhaseRestarting Phase = "restarting"
	PhaseMissing    Phase = "missing"
)

// ErrContainerNotFound is returned by Start when the named container does
// not exist at all (distinct from PhaseStopped, a container that exists but
// isn't running). For a missing container, Status reports PhaseMissing and
// Stop returns nil.
var ErrContainerNotFound = errors.New("runtime: container not found")

// Adapter is the narrow surface the backend controller needs from a
// container runtime: observe phase, start, stop, and probe readiness. The
// interface keeps the controller runtime-agnostic.
type Adapter interface {
	// Status reports the current out-of-band phase of the named container.
	Status(ctx context.Context, containerName string) (Phase, error)

	// Start brings the named container up. It must be idempotent: starting
	// an already-running container is not an error.
	Start(ctx context.Context, containerName string) error

	// Stop stops the named container, allowing up to grace for a clean
	// shutdown before a forceful kill.
	Stop(ctx context.Context, containerName string, grace time.Duration) error

	// Ready performs a single readiness check (e.g. a raw TCP dial to the
	// backend's internal port). It does not loop or sleep; the caller polls.
	Ready(ctx context.Context, containerName string, internalPort int) (bool, error)
}
