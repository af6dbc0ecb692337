// Package backend implements the per-server lifecycle controller: the
// stopped/starting/running/stopping state machine, connection tracking, and
// idle-shutdown timer. Each registry.Server gets exactly one *Backend,
// addressed as a single entity behind a mutex-guarded struct.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corvus-paas/corvus-gate/internal/eventlog"
	"github.com/corvus-paas/corvus-gate/internal/notify"
	"github.com/corvus-paas/corvus-gate/internal/registry"
	"github.com/corvus-paas/corvus-gate/internal/runtime"
)

// Phase is the gateway's own view of a backend's lifecycle, distinct from
// runtime.Phase which is the container runtime's out-of-band view that
// phase reconciliation checks against.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
)

const (
	// readinessPollInterval is how often Ready is probed while starting.
	readinessPollInterval = 2 * time.Second
	// readinessTimeout bounds the total time a cold start is allowed to
	// take before it is treated as a failed start.
	readinessTimeout = 120 * time.Second
	// stopGrace is how long Stop waits for a clean container shutdown
	// before the runtime adapter escalates.
	stopGrace = 10 * time.Second
)

// ErrStartFailed is returned by EnsureRunning when a cold start does not
// reach readiness within readinessTimeout.
var ErrStartFailed = fmt.Errorf("backend: start did not become ready in time")

// Metrics is the narrow surface Backend needs to report state transitions
// and connection counts, kept here rather than importing
// prometheus/client_golang directly so this package stays testable without a
// registry.
type Metrics interface {
	SetPhase(serverName string, phase Phase)
	IncConnections(serverName string)
	DecConnections(serverName string)
	IncColdStarts(serverName string)
	IncIdleShutdowns(serverName string)
}

// Backend is the single addressable lifecycle record for one registered
// server. All state transitions hold mu; long-running work (starting a
// container, waiting for readiness) happens with mu released so a stuck
// start never blocks status/connection-count reads from other goroutines.
type Backend struct {
	server   registry.Server
	adapter  runtime.Adapter
	logger   *slog.Logger
	metrics  Metrics
	events   *eventlog.Log
	notifier *notify.Manager

	mu              sync.Mutex
	phase           Phase
	activeConns     int
	idleTimeout     time.Duration
	manualOverride  bool
	shutdownTimer   *time.Timer
	shutdownVersion uint64
	// startWaiters lets logins that arrive while phase==starting block on
	// the single in-flight start instead of kicking off their own.
	startWaiters []chan error
}

// New creates a Backend for server, initially assumed stopped. idleTimeout
// of 0 disables automatic idle shutdown for this server. events and notifier
// may be nil, in which case usage events and notifications are simply not
// emitted (used by tests that don't exercise that side of the contract).
func New(server registry.Server, adapter runtime.Adapter, logger *slog.Logger, metrics Metrics, idleTimeout time.Duration, events *eventlog.Log, notifier *notify.Manager) *Backend {
	b := &Backend{
		server:      server,
		adapter:     adapter,
		logger:      logger.With("server", server.Name),
		metrics:     metrics,
		events:      events,
		notifier:    notifier,
		phase:       PhaseStopped,
		idleTimeout: idleTimeout,
	}
	metrics.SetPhase(server.Name, PhaseStopped)
	return b
}

// SetIdleTimeout updates the idle-shutdown duration used for future arm
// calls, as a registry reload may change a server's idle_timeout_minutes
// without otherwise disturbing a running backend.
func (b *Backend) SetIdleTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.idleTimeout = d
}

// Server returns the registry entry this backend was built from.
func (b *Backend) Server() registry.Server {
	return b.server
}

// Phase returns the current lifecycle phase.
func (b *Backend) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// ActiveConnections returns the number of currently spliced connections.
func (b *Backend) ActiveConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeConns
}

// EnsureRunning brings the backend to PhaseRunning, starting a cold start if
// necessary. Concurrent callers arriving while a start is already in flight
// all wait on that single start rather than issuing redundant Start calls —
// only one starting transition is ever in flight per backend.
func (b *Backend) EnsureRunning(ctx context.Context) error {
	b.mu.Lock()

	switch b.phase {
	case PhaseRunning:
		b.cancelIdleTimerLocked()
		b.mu.Unlock()
		return nil

	case PhaseStarting:
		wait := make(chan error, 1)
		b.startWaiters = append(b.startWaiters, wait)
		b.mu.Unlock()
		select {
		case err := <-wait:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}

	case PhaseStopping:
		b.mu.Unlock()
		return fmt.Errorf("backend: %s is stopping, retry shortly", b.server.Name)
	}

	// phase == PhaseStopped: this goroutine owns the start.
	b.phase = PhaseStarting
	b.metrics.SetPhase(b.server.Name, PhaseStarting)
	b.metrics.IncColdStarts(b.server.Name)
	b.mu.Unlock()

	err := b.runStart(ctx)

	b.mu.Lock()
	waiters := b.startWaiters
	b.startWaiters = nil
	if err != nil {
		b.phase = PhaseStopped
		b.manualOverride = false
		b.metrics.SetPhase(b.server.Name, PhaseStopped)
	} else {
		b.phase = PhaseRunning
		b.metrics.SetPhase(b.server.Name, PhaseRunning)
	}
	b.mu.Unlock()

	if err == nil {
		b.recordEvent(eventlog.KindServerStart, "", nil, "")
		b.notify(notify.EventServerStart, notify.Fields{Name: b.server.Name, Port: b.server.ExternalPort})
	}

	for _, w := range waiters {
		w <- err
	}
	return err
}

// runStart issues the container start and polls readiness, with no lock
// held: this can take up to readinessTimeout and must not block
// ActiveConnections/Phase reads from other goroutines.
func (b *Backend) runStart(ctx context.Context) error {
	if err := b.adapter.Start(ctx, b.server.ContainerName); err != nil {
		b.logger.Error("start failed", "error", err)
		return fmt.Errorf("backend: start %s: %w", b.server.Name, err)
	}

	deadline := time.Now().Add(readinessTimeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		ready, err := b.adapter.Ready(ctx, b.server.ContainerName, b.server.InternalPort)
		if err != nil {
			b.logger.Warn("readiness probe error", "error", err)
		}
		if ready {
			b.logger.Info("backend ready")
			return nil
		}
		if time.Now().After(deadline) {
			return ErrStartFailed
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AcquireConnection registers one active spliced connection for playerName,
// cancelling any pending idle-shutdown timer, and emits the player_join
// usage event. Callers must call the returned release func
// exactly once when the connection ends.
func (b *Backend) AcquireConnection(playerName string) (release func()) {
	b.mu.Lock()
	b.activeConns++
	count := b.activeConns
	b.metrics.IncConnections(b.server.Name)
	b.cancelIdleTimerLocked()
	b.mu.Unlock()

	b.recordEvent(eventlog.KindPlayerJoin, playerName, &count, "")
	b.notify(notify.EventPlayerJoin, notify.Fields{Name: b.server.Name, Port: b.server.ExternalPort, Player: playerName, Count: count})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.activeConns--
			count := b.activeConns
			b.metrics.DecConnections(b.server.Name)
			if b.activeConns == 0 && b.phase == PhaseRunning && !b.manualOverride {
				b.armIdleTimerLocked()
			}
			b.mu.Unlock()

			b.recordEvent(eventlog.KindPlayerLeave, playerName, &count, "")
			b.notify(notify.EventPlayerLeave, notify.Fields{Name: b.server.Name, Port: b.server.ExternalPort, Player: playerName, Count: count})
		})
	}
}

// SetManualOverride disables (true) or re-enables (false) idle shutdown for
// this backend, independent of the registry's idle_timeout_minutes setting.
// This is an operator-forced "stay up" override, cleared automatically
// whenever the backend next reaches PhaseStopped.
func (b *Backend) SetManualOverride(disabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manualOverride = disabled
	if disabled {
		b.cancelIdleTimerLocked()
	} else if b.activeConns == 0 && b.phase == PhaseRunning {
		b.armIdleTimerLocked()
	}
}

// armIdleTimerLocked starts the idle-shutdown timer. Must be called with mu
// held. A no-op when idleTimeout is 0 (disabled).
func (b *Backend) armIdleTimerLocked() {
	if b.idleTimeout <= 0 {
		return
	}
	b.cancelIdleTimerLocked()

	b.shutdownVersion++
	version := b.shutdownVersion
	b.shutdownTimer = time.AfterFunc(b.idleTimeout, func() {
		b.fireIdleShutdown(version)
	})
}

// cancelIdleTimerLocked stops any pending idle-shutdown timer and bumps the
// version so a timer that already fired and is waiting on mu sees a stale
// version and discards itself. Must be called with mu held.
func (b *Backend) cancelIdleTimerLocked() {
	if b.shutdownTimer != nil {
		b.shutdownTimer.Stop()
		b.shutdownTimer = nil
	}
	b.shutdownVersion++
}

// fireIdleShutdown runs when an idle timer expires. It re-validates
// idleness after acquiring mu, since a connection may have arrived between
// the timer firing and this goroutine getting the lock.
func (b *Backend) fireIdleShutdown(version uint64) {
	b.mu.Lock()
	if version != b.shutdownVersion || b.activeConns != 0 || b.phase != PhaseRunning || b.manualOverride {
		b.mu.Unlock()
		return
	}
	b.phase = PhaseStopping
	b.metrics.SetPhase(b.server.Name, PhaseStopping)
	b.mu.Unlock()

	b.logger.Info("idle timeout reached, stopping backend")
	b.metrics.IncIdleShutdowns(b.server.Name)

	ctx, cancel := context.WithTimeout(context.Background(), stopGrace+5*time.Second)
	defer cancel()
	if err := b.adapter.Stop(ctx, b.server.ContainerName, stopGrace); err != nil {
		b.logger.Error("idle stop failed", "error", err)
	}

	b.mu.Lock()
	b.phase = PhaseStopped
	b.manualOverride = false
	b.metrics.SetPhase(b.server.Name, PhaseStopped)
	b.mu.Unlock()

	b.recordEvent(eventlog.KindServerStop, "", nil, "idle_timeout")
	b.notify(notify.EventServerStop, notify.Fields{Name: b.server.Name, Port: b.server.ExternalPort, Reason: "idle_timeout"})
}

// Reconcile compares the gateway's phase against the runtime adapter's
// out-of-band observation and corrects for external changes: a container
// stopped manually, killed by the OOM reaper, crash-restarted, or started
// directly through the adapter outside the gateway's knowledge.
func (b *Backend) Reconcile(ctx context.Context) error {
	observed, err := b.adapter.Status(ctx, b.server.ContainerName)
	if err != nil {
		return fmt.Errorf("backend: reconcile %s: %w", b.server.Name, err)
	}

	b.mu.Lock()

	switch b.phase {
	case PhaseRunning:
		if observed != runtime.PhaseRunning {
			b.logger.Warn("backend running phase disagrees with runtime, correcting", "runtime_phase", observed)
			b.phase = PhaseStopped
			b.manualOverride = false
			b.metrics.SetPhase(b.server.Name, PhaseStopped)
			b.cancelIdleTimerLocked()
			b.mu.Unlock()

			b.recordEvent(eventlog.KindServerStop, "", nil, "external")
			b.notify(notify.EventServerStop, notify.Fields{Name: b.server.Name, Port: b.server.ExternalPort, Reason: "external"})
			return nil
		}
	case PhaseStopped:
		if observed == runtime.PhaseRunning {
			b.logger.Warn("backend stopped phase disagrees with runtime, correcting", "runtime_phase", observed)
			// An operator started this backend directly through the adapter,
			// bypassing EnsureRunning. manualOverride suppresses the idle
			// timer until the backend next reaches stopped through any
			// path: a player-less manual start must not be reaped before
			// anyone joins.
			b.phase = PhaseRunning
			b.manualOverride = true
			b.metrics.SetPhase(b.server.Name, PhaseRunning)
		}
	}

	b.mu.Unlock()
	return nil
}

// recordEvent appends a usage event if an eventlog.Log was supplied at
// construction. Failures are logged and swallowed: a broken usage log must
// never affect connection handling.
func (b *Backend) recordEvent(kind, playerName string, activeCount *int, reason string) {
	if b.events == nil {
		return
	}
	event := eventlog.Event{
		Kind:         kind,
		ExternalPort: b.server.ExternalPort,
		ServerName:   b.server.Name,
		PlayerName:   playerName,
		ActiveCount:  activeCount,
		Reason:       reason,
	}
	if err := b.events.Append(event); err != nil {
		b.logger.Warn("failed to append usage event", "kind", kind, "error", err)
	}
}

// notify fires a best-effort notification if a notify.Manager was supplied
// at construction.
func (b *Backend) notify(event string, fields notify.Fields) {
	if b.notifier == nil {
		return
	}
	b.notifier.Notify(event, fields)
}
