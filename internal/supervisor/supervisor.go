// Package supervisor owns one accept loop per registered external_port and
// the set of live backend.Backend controllers, reconciling both against
// registry reloads. Each accept loop runs in its own goroutine under a
// per-listener context; golang.org/x/sync/errgroup fans the periodic
// per-backend reconcile out in parallel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corvus-paas/corvus-gate/internal/backend"
	"github.com/corvus-paas/corvus-gate/internal/eventlog"
	"github.com/corvus-paas/corvus-gate/internal/metrics"
	"github.com/corvus-paas/corvus-gate/internal/notify"
	"github.com/corvus-paas/corvus-gate/internal/registry"
	"github.com/corvus-paas/corvus-gate/internal/runtime"
)

// reconcileInterval is how often every live backend's phase is checked
// against the runtime adapter's out-of-band observation.
const reconcileInterval = 15 * time.Second

// ConnHandler processes one accepted connection on the given local port.
type ConnHandler func(conn net.Conn, localPort int)

// Supervisor accepts connections on every registered server's external_port
// and keeps a backend.Backend alive per server, adding and removing
// listeners as the registry is reloaded.
type Supervisor struct {
	adapter  runtime.Adapter
	metrics  *metrics.Collector
	events   *eventlog.Log
	notifier *notify.Manager
	logger   *slog.Logger
	handler  ConnHandler

	mu        sync.RWMutex
	backends  map[string]*backend.Backend // keyed by server name
	listeners map[int]*listener           // keyed by external_port
}

type listener struct {
	ln     net.Listener
	cancel context.CancelFunc
}

// New builds a Supervisor with no listeners yet; call Reload with the
// initial snapshot to start accepting. events and notifier are passed
// through to every backend.Backend this Supervisor creates.
func New(adapter runtime.Adapter, metricsCollector *metrics.Collector, events *eventlog.Log, notifier *notify.Manager, logger *slog.Logger, handler ConnHandler) *Supervisor {
	return &Supervisor{
		adapter:   adapter,
		metrics:   metricsCollector,
		events:    events,
		notifier:  notifier,
		logger:    logger,
		handler:   handler,
		backends:  make(map[string]*backend.Backend),
		listeners: make(map[int]*listener),
	}
}

// Get implements gateway.Backends.
func (s *Supervisor) Get(server registry.Server) (*backend.Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[server.Name]
	return b, ok
}

// List implements ops.BackendLister.
func (s *Supervisor) List() []*backend.Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*backend.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	return out
}

// Reload reconciles the supervisor's backends and listeners against a new
// snapshot: servers added to the registry get a backend and a listener;
// servers removed get both torn down; unaffected servers are left running
// untouched.
func (s *Supervisor) Reload(ctx context.Context, snapshot *registry.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(snapshot.Servers))
	seenPorts := make(map[int]bool, len(snapshot.Servers))

	idleTimeout := time.Duration(snapshot.Settings.IdleTimeoutMinutes) * time.Minute

	for _, server := range snapshot.Servers {
		seen[server.Name] = true
		seenPorts[server.ExternalPort] = true

		if existing, ok := s.backends[server.Name]; ok {
			existing.SetIdleTimeout(idleTimeout)
		} else {
			b := backend.New(server, s.adapter, s.logger, s.metrics, idleTimeout, s.events, s.notifier)
			s.backends[server.Name] = b
		}

		if _, ok := s.listeners[server.ExternalPort]; ok {
			continue
		}
		if err := s.startListenerLocked(ctx, server.ExternalPort); err != nil {
			return err
		}
	}

	for name := range s.backends {
		if !seen[name] {
			delete(s.backends, name)
		}
	}
	for port, l := range s.listeners {
		if !seenPorts[port] {
			l.cancel()
			_ = l.ln.Close()
			delete(s.listeners, port)
		}
	}

	return nil
}

// startListenerLocked opens a TCP listener on port and spawns its accept
// loop. Caller must hold s.mu.
func (s *Supervisor) startListenerLocked(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("supervisor: listen on port %d: %w", port, err)
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	s.listeners[port] = &listener{ln: ln, cancel: cancel}

	go s.acceptLoop(listenerCtx, ln, port)
	return nil
}

// acceptLoop accepts connections on ln until ctx is cancelled, handling each
// one in its own goroutine. Transient accept errors are logged and
// retried; a listener close (from Reload tearing down this port) ends the
// loop quietly.
func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener, port int) {
	s.logger.Info("accepting connections", "port", port)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error, retrying", "port", port, "error", err)
			continue
		}
		go s.handler(conn, port)
	}
}

// Run reconciles every live backend against the runtime adapter on
// reconcileInterval, until ctx is cancelled. Intended to be run under an
// errgroup alongside the listeners.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reconcileAll(ctx)
		}
	}
}

func (s *Supervisor) reconcileAll(ctx context.Context) {
	s.mu.RLock()
	backends := make([]*backend.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		backends = append(backends, b)
	}
	s.mu.RUnlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, b := range backends {
		b := b
		group.Go(func() error {
			if err := b.Reconcile(groupCtx); err != nil {
				s.logger.Warn("reconcile failed", "server", b.Server().Name, "error", err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

// Shutdown stops every listener. It does not stop running backend
// containers; that is handled separately by idle timers or is left running
// across gateway restarts.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for port, l := range s.listeners {
		l.cancel()
		_ = l.ln.Close()
		delete(s.listeners, port)
	}
}
