package backend

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/corvus-paas/corvus-gate/internal/registry"
	"github.com/corvus-paas/corvus-gate/internal/runtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAdapter struct {
	mu         sync.Mutex
	readyAfter int32
	readyCalls int32
	startCalls int32
	stopCalls  int32
	startErr   error
	neverReady bool
}

func (f *fakeAdapter) Status(ctx context.Context, name string) (runtime.Phase, error) {
	return runtime.PhaseRunning, nil
}

func (f *fakeAdapter) Start(ctx context.Context, name string) error {
	atomic.AddInt32(&f.startCalls, 1)
	return f.startErr
}

func (f *fakeAdapter) Stop(ctx context.Context, name string, grace time.Duration) error {
	atomic.AddInt32(&f.stopCalls, 1)
	return nil
}

func (f *fakeAdapter) Ready(ctx context.Context, name string, port int) (bool, error) {
	if f.neverReady {
		return false, nil
	}
	calls := atomic.AddInt32(&f.readyCalls, 1)
	return calls >= atomic.LoadInt32(&f.readyAfter), nil
}

type noopMetrics struct{}

func (noopMetrics) SetPhase(string, Phase)  {}
func (noopMetrics) IncConnections(string)   {}
func (noopMetrics) DecConnections(string)   {}
func (noopMetrics) IncColdStarts(string)    {}
func (noopMetrics) IncIdleShutdowns(string) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureRunningStartsAndBecomesReady(t *testing.T) {
	server := registry.Server{Name: "s1", ContainerName: "c1", ExternalPort: 25565, InternalPort: 25565}
	adapter := &fakeAdapter{readyAfter: 1}
	b := New(server, adapter, testLogger(), noopMetrics{}, time.Minute, nil, nil)

	if err := b.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if b.Phase() != PhaseRunning {
		t.Fatalf("Phase = %s, want running", b.Phase())
	}
	if atomic.LoadInt32(&adapter.startCalls) != 1 {
		t.Fatalf("startCalls = %d, want 1", adapter.startCalls)
	}
}

func TestEnsureRunningIsIdempotentWhenAlreadyRunning(t *testing.T) {
	server := registry.Server{Name: "s1", ContainerName: "c1", ExternalPort: 1, InternalPort: 1}
	adapter := &fakeAdapter{readyAfter: 1}
	b := New(server, adapter, testLogger(), noopMetrics{}, time.Minute, nil, nil)

	if err := b.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("first EnsureRunning: %v", err)
	}
	if err := b.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("second EnsureRunning: %v", err)
	}
	if atomic.LoadInt32(&adapter.startCalls) != 1 {
		t.Fatalf("startCalls = %d, want 1 (idempotent)", adapter.startCalls)
	}
}

func TestConcurrentEnsureRunningSharesSingleStart(t *testing.T) {
	server := registry.Server{Name: "s1", ContainerName: "c1", ExternalPort: 1, InternalPort: 1}
	adapter := &fakeAdapter{readyAfter: 3}
	b := New(server, adapter, testLogger(), noopMetrics{}, time.Minute, nil, nil)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.EnsureRunning(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if atomic.LoadInt32(&adapter.startCalls) != 1 {
		t.Fatalf("startCalls = %d, want exactly 1 across %d concurrent callers", adapter.startCalls, n)
	}
}

func TestAcquireConnectionBlocksIdleShutdown(t *testing.T) {
	server := registry.Server{Name: "s1", ContainerName: "c1", ExternalPort: 1, InternalPort: 1}
	adapter := &fakeAdapter{readyAfter: 1}
	b := New(server, adapter, testLogger(), noopMetrics{}, 20*time.Millisecond, nil, nil)

	if err := b.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	release := b.AcquireConnection("neo")
	time.Sleep(60 * time.Millisecond)
	if b.Phase() != PhaseRunning {
		t.Fatalf("Phase = %s, want running while connection active", b.Phase())
	}

	release()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.Phase() == PhaseStopped {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend did not idle-shutdown after release, phase = %s", b.Phase())
}

func TestManualOverrideSuppressesIdleShutdown(t *testing.T) {
	server := registry.Server{Name: "s1", ContainerName: "c1", ExternalPort: 1, InternalPort: 1}
	adapter := &fakeAdapter{readyAfter: 1}
	b := New(server, adapter, testLogger(), noopMetrics{}, 20*time.Millisecond, nil, nil)

	if err := b.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	b.SetManualOverride(true)

	time.Sleep(80 * time.Millisecond)
	if b.Phase() != PhaseRunning {
		t.Fatalf("Phase = %s, want running (override active)", b.Phase())
	}
}

func TestReconcileCorrectsExternallyStoppedBackend(t *testing.T) {
	server := registry.Server{Name: "s1", ContainerName: "c1", ExternalPort: 1, InternalPort: 1}
	adapter := &fakeAdapter{readyAfter: 1}
	b := New(server, adapter, testLogger(), noopMetrics{}, time.Minute, nil, nil)

	if err := b.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	stoppedAdapter := &stubStatusAdapter{fakeAdapter: adapter, status: runtime.PhaseStopped}
	b.adapter = stoppedAdapter

	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if b.Phase() != PhaseStopped {
		t.Fatalf("Phase = %s, want stopped after reconcile", b.Phase())
	}
}

func TestReconcileSetsManualOverrideOnExternalStart(t *testing.T) {
	server := registry.Server{Name: "s1", ContainerName: "c1", ExternalPort: 1, InternalPort: 1}
	adapter := &stubStatusAdapter{fakeAdapter: &fakeAdapter{}, status: runtime.PhaseRunning}
	b := New(server, adapter, testLogger(), noopMetrics{}, 20*time.Millisecond, nil, nil)

	if b.Phase() != PhaseStopped {
		t.Fatalf("Phase = %s, want stopped before reconcile", b.Phase())
	}

	if err := b.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if b.Phase() != PhaseRunning {
		t.Fatalf("Phase = %s, want running after reconcile observes external start", b.Phase())
	}

	// A player-less, manually-started backend must not be reaped by the
	// idle timer.
	time.Sleep(80 * time.Millisecond)
	if b.Phase() != PhaseRunning {
		t.Fatalf("Phase = %s, want running (manual override should suppress idle shutdown)", b.Phase())
	}
}

type stubStatusAdapter struct {
	*fakeAdapter
	status runtime.Phase
}

func (s *stubStatusAdapter) Status(ctx context.Context, name string) (runtime.Phase, error) {
	return s.status, nil
}
