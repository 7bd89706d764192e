// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/errbus"
	"github.com/tomtom215/meridian/internal/transport"
	"github.com/tomtom215/meridian/internal/vram"
)

// fakeBackend is a controllable in-memory serving runtime.
type fakeBackend struct {
	method    string
	loadDelay time.Duration

	mu          sync.Mutex
	loaded      map[string]bool
	loadCalls   int
	unloadCalls int
	failNext    error

	inFlight    int32
	maxInFlight int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{method: ServingInprocGGUF, loaded: make(map[string]bool)}
}

func (b *fakeBackend) Describe() AdapterInfo {
	return AdapterInfo{ServingMethod: b.method}
}

func (b *fakeBackend) Load(ctx context.Context, spec ModelSpec) error {
	cur := atomic.AddInt32(&b.inFlight, 1)
	defer atomic.AddInt32(&b.inFlight, -1)
	for {
		max := atomic.LoadInt32(&b.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&b.maxInFlight, max, cur) {
			break
		}
	}

	if b.loadDelay > 0 {
		select {
		case <-time.After(b.loadDelay):
		case <-ctx.Done():
			return Transient(ctx.Err())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadCalls++
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return err
	}
	b.loaded[spec.ModelID] = true
	return nil
}

func (b *fakeBackend) Unload(_ context.Context, modelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unloadCalls++
	delete(b.loaded, modelID)
	return nil
}

func (b *fakeBackend) Infer(_ context.Context, modelID string, payload json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded[modelID] {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrNotLoaded, modelID))
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func newTestManager(t *testing.T, budgetMB int) (*Manager, *fakeBackend) {
	t.Helper()
	tr := transport.NewInMemory()
	t.Cleanup(func() { tr.Close() })

	acct := vram.New(budgetMB)
	bus := errbus.New(tr, "model-manager-test")
	mgr := New(Config{
		LoadTimeout:   5 * time.Second,
		UnloadTimeout: time.Second,
		UnloadGrace:   200 * time.Millisecond,
		IdleTimeout:   900 * time.Second,
	}, acct, bus)

	backend := newFakeBackend()
	mgr.RegisterBackend(backend)
	return mgr, backend
}

func addModel(t *testing.T, mgr *Manager, id string, mb, priority int) {
	t.Helper()
	err := mgr.AddModel(ModelSpec{
		ModelID:         id,
		ServingMethod:   ServingInprocGGUF,
		EstimatedVRAMMB: mb,
		Priority:        priority,
	})
	if err != nil {
		t.Fatalf("add model %s: %v", id, err)
	}
}

func mustLoad(t *testing.T, mgr *Manager, id string) {
	t.Helper()
	res, err := mgr.LoadModel(context.Background(), id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	if res != LoadLoaded {
		t.Fatalf("load %s = %s, want loaded", id, res)
	}
}

func waitForState(t *testing.T, mgr *Manager, id string, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := mgr.Status(id)
		if err == nil && rec.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := mgr.Status(id)
	t.Fatalf("model %s never reached %s (stuck at %s)", id, want, rec.State)
}

func TestLoadUnloadLifecycle(t *testing.T) {
	mgr, backend := newTestManager(t, 1000)
	addModel(t, mgr, "whisper", 400, 1)

	mustLoad(t, mgr, "whisper")
	rec, _ := mgr.Status("whisper")
	if rec.State != StateLoaded || rec.LoadCount != 1 {
		t.Errorf("record after load: %+v", rec)
	}

	// Loading an already-loaded model is a no-op touch.
	mustLoad(t, mgr, "whisper")
	backend.mu.Lock()
	calls := backend.loadCalls
	backend.mu.Unlock()
	if calls != 1 {
		t.Errorf("backend load called %d times for a resident model", calls)
	}

	res, err := mgr.UnloadModel(context.Background(), "whisper")
	if err != nil || res != UnloadUnloaded {
		t.Fatalf("unload = %s, %v", res, err)
	}
	if _, err := mgr.Status("ghost"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestUnloadNotLoaded(t *testing.T) {
	mgr, _ := newTestManager(t, 1000)
	addModel(t, mgr, "m", 100, 1)

	res, err := mgr.UnloadModel(context.Background(), "m")
	if res != UnloadNotLoaded || !errors.Is(err, ErrNotLoaded) {
		t.Errorf("unload unloaded model = %s, %v", res, err)
	}
}

func TestEvictionOnPressure(t *testing.T) {
	// E2E-3: budget 1000, M1(600, prio 1) M2(300, prio 1) loaded, loading
	// M3(500, prio 5) evicts M1 (older among equal priorities).
	mgr, _ := newTestManager(t, 1000)
	addModel(t, mgr, "m1", 600, 1)
	addModel(t, mgr, "m2", 300, 1)
	addModel(t, mgr, "m3", 500, 5)

	mustLoad(t, mgr, "m1")
	time.Sleep(5 * time.Millisecond) // distinct last_used ordering
	mustLoad(t, mgr, "m2")
	mustLoad(t, mgr, "m3")

	r1, _ := mgr.Status("m1")
	r2, _ := mgr.Status("m2")
	r3, _ := mgr.Status("m3")
	if r1.State != StateUnloaded {
		t.Errorf("m1 = %s, want unloaded (evicted)", r1.State)
	}
	if r2.State != StateLoaded || r3.State != StateLoaded {
		t.Errorf("m2 = %s, m3 = %s, want both loaded", r2.State, r3.State)
	}
	if pending := mgr.PendingLoads(); len(pending) != 0 {
		t.Errorf("pending queue not empty: %v", pending)
	}
}

func TestQueuedThenAdmittedAfterUnload(t *testing.T) {
	// E2E-4: all models max priority; no feasible victim, load queues, and
	// the queued load happens automatically after the blocking unload.
	mgr, _ := newTestManager(t, 1000)
	addModel(t, mgr, "big", 900, vram.MaxPriority)
	addModel(t, mgr, "small", 200, vram.MaxPriority)

	mustLoad(t, mgr, "big")

	res, err := mgr.LoadModel(context.Background(), "small")
	if err != nil {
		t.Fatalf("load small: %v", err)
	}
	if res != LoadQueued {
		t.Fatalf("load small = %s, want queued", res)
	}
	if pending := mgr.PendingLoads(); len(pending) != 1 || pending[0] != "small" {
		t.Fatalf("pending = %v", pending)
	}

	if _, err := mgr.UnloadModel(context.Background(), "big"); err != nil {
		t.Fatalf("unload big: %v", err)
	}

	waitForState(t, mgr, "small", StateLoaded, 2*time.Second)
	if pending := mgr.PendingLoads(); len(pending) != 0 {
		t.Errorf("pending queue not drained: %v", pending)
	}
}

func TestModelLargerThanBudgetInfeasible(t *testing.T) {
	mgr, _ := newTestManager(t, 1000)
	addModel(t, mgr, "giant", 2000, 1)

	res, err := mgr.LoadModel(context.Background(), "giant")
	if res != LoadInfeasible || !errors.Is(err, ErrInfeasibleBudget) {
		t.Errorf("load giant = %s, %v; want infeasible", res, err)
	}
	if len(mgr.PendingLoads()) != 0 {
		t.Error("a never-feasible model must not be queued")
	}
}

func TestAtMostOneConcurrentLoad(t *testing.T) {
	mgr, backend := newTestManager(t, 1000)
	backend.loadDelay = 100 * time.Millisecond
	addModel(t, mgr, "m", 400, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.LoadModel(context.Background(), "m")
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&backend.maxInFlight); max > 1 {
		t.Errorf("observed %d concurrent backend loads for one model", max)
	}
	backend.mu.Lock()
	calls := backend.loadCalls
	backend.mu.Unlock()
	if calls != 1 {
		t.Errorf("backend load called %d times, want 1 (joined flight)", calls)
	}
}

func TestCanceledCallerDoesNotAbortLoad(t *testing.T) {
	mgr, backend := newTestManager(t, 1000)
	backend.loadDelay = 150 * time.Millisecond
	addModel(t, mgr, "m", 400, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mgr.LoadModel(ctx, "m")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error for the canceled caller, got %v", err)
	}

	// The load itself completes; the next caller observes Loaded.
	waitForState(t, mgr, "m", StateLoaded, 2*time.Second)
}

func TestTransientLoadFailureRetried(t *testing.T) {
	mgr, backend := newTestManager(t, 1000)
	addModel(t, mgr, "m", 400, 1)

	backend.mu.Lock()
	backend.failNext = Transient(errors.New("backend warming up"))
	backend.mu.Unlock()

	mustLoad(t, mgr, "m")
	backend.mu.Lock()
	calls := backend.loadCalls
	backend.mu.Unlock()
	if calls != 2 {
		t.Errorf("expected one retry after transient failure, got %d calls", calls)
	}
}

func TestPermanentLoadFailureNotRetried(t *testing.T) {
	mgr, backend := newTestManager(t, 1000)
	addModel(t, mgr, "m", 400, 1)

	backend.mu.Lock()
	backend.failNext = Permanent(errors.New("model file corrupt"))
	backend.mu.Unlock()

	res, err := mgr.LoadModel(context.Background(), "m")
	if res != LoadError || err == nil {
		t.Fatalf("load = %s, %v; want error", res, err)
	}
	backend.mu.Lock()
	calls := backend.loadCalls
	backend.mu.Unlock()
	if calls != 1 {
		t.Errorf("permanent failure retried: %d calls", calls)
	}
	rec, _ := mgr.Status("m")
	if rec.State != StateFailed {
		t.Errorf("state = %s, want failed", rec.State)
	}

	// VRAM was released: another model can use the space.
	addModel(t, mgr, "other", 900, 1)
	mustLoad(t, mgr, "other")
}

func TestInferEnsuresLoadedAndRecordsUsage(t *testing.T) {
	mgr, _ := newTestManager(t, 1000)
	addModel(t, mgr, "m", 400, 1)

	var recorded []string
	mgr.SetUsageRecorder(usageFunc(func(id string, _ time.Time) {
		recorded = append(recorded, id)
	}))

	out, err := mgr.Infer(context.Background(), "m", json.RawMessage(`{"prompt":"hi"}`), "conv-1")
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Errorf("infer output = %s", out)
	}
	if len(recorded) != 1 || recorded[0] != "m" {
		t.Errorf("usage not recorded: %v", recorded)
	}

	rec, _ := mgr.Status("m")
	if rec.State != StateLoaded {
		t.Errorf("state after infer = %s", rec.State)
	}
	if len(rec.OwnerConversations) != 1 || rec.OwnerConversations[0] != "conv-1" {
		t.Errorf("owner conversations = %v", rec.OwnerConversations)
	}
	if rec.ActiveInferences != 0 {
		t.Errorf("refs leaked: %d", rec.ActiveInferences)
	}
}

func TestIdleSweepUnloadsOnlyStaleLowPriority(t *testing.T) {
	mgr, _ := newTestManager(t, 2000)
	addModel(t, mgr, "stale", 400, 1)
	addModel(t, mgr, "protected", 400, vram.MaxPriority)
	addModel(t, mgr, "fresh", 400, 1)

	mustLoad(t, mgr, "stale")
	mustLoad(t, mgr, "protected")
	mustLoad(t, mgr, "fresh")

	// Freeze time far in the future for the sweep decision, but refresh
	// "fresh" at that future instant first.
	future := time.Now().Add(2 * time.Hour)
	mgr.SetClock(func() time.Time { return future })
	if _, err := mgr.Infer(context.Background(), "fresh", json.RawMessage(`{}`), ""); err != nil {
		t.Fatalf("infer fresh: %v", err)
	}

	mgr.SweepIdle(context.Background())

	for id, want := range map[string]State{
		"stale":     StateUnloaded,
		"protected": StateLoaded,
		"fresh":     StateLoaded,
	} {
		rec, _ := mgr.Status(id)
		if rec.State != want {
			t.Errorf("%s = %s, want %s", id, rec.State, want)
		}
	}
}

// usageFunc adapts a func to UsageRecorder.
type usageFunc func(string, time.Time)

func (f usageFunc) Record(id string, at time.Time) { f(id, at) }
