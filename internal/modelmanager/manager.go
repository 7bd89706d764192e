// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/tomtom215/meridian/internal/errbus"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/vram"
)

// Config tunes the manager.
type Config struct {
	// LoadTimeout bounds one backend load (including adapter retries).
	// Default: 120s
	LoadTimeout time.Duration

	// UnloadTimeout bounds one backend unload call. Default: 30s
	UnloadTimeout time.Duration

	// UnloadGrace is how long an unload waits for active inferences to
	// drain before forcing. Default: 10s
	UnloadGrace time.Duration

	// IdleTimeout: models unused this long are swept. Default: 900s
	IdleTimeout time.Duration

	// SweepInterval: idle sweeper cadence. Default: 60s
	SweepInterval time.Duration
}

// DefaultConfig returns manager defaults.
func DefaultConfig() Config {
	return Config{
		LoadTimeout:   120 * time.Second,
		UnloadTimeout: 30 * time.Second,
		UnloadGrace:   10 * time.Second,
		IdleTimeout:   900 * time.Second,
		SweepInterval: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.UnloadTimeout <= 0 {
		c.UnloadTimeout = d.UnloadTimeout
	}
	if c.UnloadGrace <= 0 {
		c.UnloadGrace = d.UnloadGrace
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// UsageRecorder observes inference usage for the predictive preloader.
type UsageRecorder interface {
	Record(modelID string, at time.Time)
}

// record is the manager's internal per-model state. Its mutex serializes
// state transitions for one model and is never held across a backend call.
type record struct {
	spec ModelSpec

	mu         sync.Mutex
	state      State
	lastUsedAt time.Time
	loadCount  int
	refs       int
	owners     map[string]bool
	lastErr    string
}

// Manager implements the model lifecycle state machine.
type Manager struct {
	cfg      Config
	acct     *vram.Accountant
	bus      *errbus.Bus
	backends map[string]Backend

	mu         sync.Mutex
	records    map[string]*record
	pending    []string
	pendingSet map[string]bool
	draining   bool

	loads singleflight.Group
	usage UsageRecorder
	now   func() time.Time
}

// New creates a manager. Backends are registered per serving method before
// models are added.
func New(cfg Config, acct *vram.Accountant, bus *errbus.Bus) *Manager {
	return &Manager{
		cfg:        cfg.withDefaults(),
		acct:       acct,
		bus:        bus,
		backends:   make(map[string]Backend),
		records:    make(map[string]*record),
		pendingSet: make(map[string]bool),
		now:        time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetUsageRecorder attaches the preloader's usage log.
func (m *Manager) SetUsageRecorder(r UsageRecorder) { m.usage = r }

// RegisterBackend binds a serving method to its adapter.
func (m *Manager) RegisterBackend(b Backend) {
	m.backends[b.Describe().ServingMethod] = b
}

// AddModel declares a servable model.
func (m *Manager) AddModel(spec ModelSpec) error {
	if spec.ModelID == "" {
		return fmt.Errorf("model spec without id")
	}
	if _, ok := m.backends[spec.ServingMethod]; !ok {
		return fmt.Errorf("model %s: no backend for serving method %q", spec.ModelID, spec.ServingMethod)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[spec.ModelID]; exists {
		return fmt.Errorf("model %s already declared", spec.ModelID)
	}
	m.records[spec.ModelID] = &record{
		spec:   spec,
		state:  StateUnloaded,
		owners: make(map[string]bool),
	}
	return nil
}

// rec returns the record for id.
func (m *Manager) rec(id string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return r, nil
}

// LoadModel ensures the model is resident. Loads are serialized per model:
// concurrent callers join the in-flight load. A caller whose context
// expires stops waiting but the load itself completes; the next caller
// observes Loaded.
func (m *Manager) LoadModel(ctx context.Context, modelID string) (LoadResult, error) {
	return m.load(ctx, modelID, false)
}

// Preload is LoadModel with preload semantics: it never evicts and never
// queues, it only loads when admission succeeds outright.
func (m *Manager) Preload(ctx context.Context, modelID string) (LoadResult, error) {
	return m.load(ctx, modelID, true)
}

func (m *Manager) load(ctx context.Context, modelID string, preload bool) (LoadResult, error) {
	if _, err := m.rec(modelID); err != nil {
		return LoadError, err
	}

	ch := m.loads.DoChan(modelID, func() (any, error) {
		res, err := m.doLoad(modelID, preload)
		return res, err
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(LoadResult)
		return res, r.Err
	case <-ctx.Done():
		// The load keeps running; this caller just stops waiting.
		return LoadError, ctx.Err()
	}
}

// doLoad runs one serialized load attempt. Never called concurrently for
// the same model id (singleflight).
func (m *Manager) doLoad(modelID string, preload bool) (LoadResult, error) {
	rec, err := m.rec(modelID)
	if err != nil {
		return LoadError, err
	}

	rec.mu.Lock()
	switch rec.state {
	case StateLoaded:
		rec.lastUsedAt = m.now()
		rec.mu.Unlock()
		m.acct.Touch(modelID)
		m.dequeue(modelID)
		return LoadLoaded, nil
	case StateEvicting:
		rec.mu.Unlock()
		if preload {
			return LoadInfeasible, nil
		}
		m.enqueue(modelID)
		return LoadQueued, nil
	}
	rec.mu.Unlock()

	spec := rec.spec

	// A model bigger than the whole budget can never be admitted.
	if spec.EstimatedVRAMMB > m.acct.BudgetMB() {
		return LoadInfeasible, fmt.Errorf("%w: %s needs %d MB, budget is %d MB",
			ErrInfeasibleBudget, modelID, spec.EstimatedVRAMMB, m.acct.BudgetMB())
	}

	if ok, deficit := m.acct.CanAdmit(spec.EstimatedVRAMMB); !ok {
		if preload {
			// Preloads never evict live models.
			return LoadInfeasible, nil
		}
		victims, err := m.acct.SelectEvictionVictims(deficit)
		if err != nil {
			m.enqueue(modelID)
			return LoadQueued, nil
		}
		for _, victim := range victims {
			if vrec, vErr := m.rec(victim); vErr == nil {
				logging.Info().Str("model_id", victim).Str("for", modelID).Msg("evicting model")
				m.unloadOne(vrec, true)
				metrics.VRAMEvictions.Inc()
			}
		}
		if ok, _ := m.acct.CanAdmit(spec.EstimatedVRAMMB); !ok {
			m.enqueue(modelID)
			return LoadQueued, nil
		}
	}

	if err := m.acct.Reserve(modelID, spec.EstimatedVRAMMB, spec.Priority); err != nil {
		if preload {
			// Lost the admission race; a preload never queues.
			return LoadInfeasible, nil
		}
		m.enqueue(modelID)
		return LoadQueued, nil
	}

	m.setState(rec, StateLoading)
	m.dequeue(modelID)

	backend := m.backends[spec.ServingMethod]
	loadCtx, cancel := context.WithTimeout(context.Background(), m.cfg.LoadTimeout)
	defer cancel()

	start := m.now()
	err = withRetry(loadCtx, modelID, "load", func(ctx context.Context) error {
		return backend.Load(ctx, spec)
	})
	elapsed := time.Since(start)

	if err != nil {
		m.acct.Release(modelID)
		rec.mu.Lock()
		rec.lastErr = err.Error()
		rec.mu.Unlock()
		if IsTransient(err) || loadCtx.Err() != nil {
			// Load timeout: back to Unloaded, warn, no automatic retry.
			m.setState(rec, StateUnloaded)
			m.bus.Publish(errbus.Record{
				Kind:     "BackendError",
				Severity: errbus.SeverityWarn,
				Message:  fmt.Sprintf("load of %s failed: %v", modelID, err),
				Context:  map[string]string{"model_id": modelID},
			})
		} else {
			m.setState(rec, StateFailed)
			m.bus.Publish(errbus.Record{
				Kind:     "BackendError",
				Severity: errbus.SeverityError,
				Message:  fmt.Sprintf("permanent load failure for %s: %v", modelID, err),
				Context:  map[string]string{"model_id": modelID},
			})
		}
		metrics.ModelLoadDuration.WithLabelValues(modelID, "error").Observe(elapsed.Seconds())
		return LoadError, err
	}

	if err := m.acct.Commit(modelID); err != nil {
		logging.Warn().Err(err).Str("model_id", modelID).Msg("commit after load")
	}
	rec.mu.Lock()
	rec.loadCount++
	rec.lastUsedAt = m.now()
	rec.lastErr = ""
	rec.mu.Unlock()
	m.setState(rec, StateLoaded)
	metrics.ModelLoadDuration.WithLabelValues(modelID, "ok").Observe(elapsed.Seconds())
	logging.Info().Str("model_id", modelID).Dur("took", elapsed).Msg("model loaded")
	return LoadLoaded, nil
}

// UnloadModel releases a resident model and drains the pending queue.
func (m *Manager) UnloadModel(_ context.Context, modelID string) (UnloadResult, error) {
	rec, err := m.rec(modelID)
	if err != nil {
		return UnloadError, err
	}

	rec.mu.Lock()
	if rec.state != StateLoaded {
		state := rec.state
		rec.mu.Unlock()
		return UnloadNotLoaded, fmt.Errorf("%w: %s is %s", ErrNotLoaded, modelID, state)
	}
	rec.mu.Unlock()

	res := m.unloadOne(rec, false)
	return res, nil
}

// unloadOne performs one unload: drain grace, backend release, accounting
// release, pending-queue drain. evicting marks an unload made for an
// eviction; the caller counts evictions.
func (m *Manager) unloadOne(rec *record, evicting bool) UnloadResult {
	modelID := rec.spec.ModelID

	// Atomic test-and-set so two unload paths (an explicit unload racing an
	// eviction) cannot both proceed.
	rec.mu.Lock()
	if rec.state != StateLoaded {
		rec.mu.Unlock()
		return UnloadNotLoaded
	}
	rec.state = StateEvicting
	rec.mu.Unlock()
	metrics.ModelState.WithLabelValues(modelID, string(StateLoaded)).Set(0)
	metrics.ModelState.WithLabelValues(modelID, string(StateEvicting)).Set(1)
	m.acct.MarkEvicting(modelID)

	// Wait for active inferences to drain, then force.
	deadline := m.now().Add(m.cfg.UnloadGrace)
	for {
		rec.mu.Lock()
		refs := rec.refs
		rec.mu.Unlock()
		if refs == 0 || m.now().After(deadline) {
			if refs > 0 {
				logging.Warn().Str("model_id", modelID).Int("active", refs).
					Msg("unload grace expired with active inferences, forcing")
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	backend := m.backends[rec.spec.ServingMethod]
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.UnloadTimeout)
	err := withRetry(ctx, modelID, "unload", func(ctx context.Context) error {
		return backend.Unload(ctx, modelID)
	})
	cancel()
	if err != nil {
		// Backend unload timeout or failure: force the accounting release
		// so further loads are possible, and record the condition.
		m.bus.Publish(errbus.Record{
			Kind:     "BackendError",
			Severity: errbus.SeverityError,
			Message:  fmt.Sprintf("unload of %s failed, forcing release: %v", modelID, err),
			Context:  map[string]string{"model_id": modelID},
		})
	}

	m.acct.Release(modelID)
	m.setState(rec, StateUnloaded)
	if !evicting {
		logging.Info().Str("model_id", modelID).Msg("model unloaded")
	}

	m.drainPending()
	return UnloadUnloaded
}

// Infer ensures the model is resident, pins it for the duration of the
// call, forwards to the backend and records usage for the preloader.
func (m *Manager) Infer(ctx context.Context, modelID string, payload json.RawMessage, conversationID string) (json.RawMessage, error) {
	res, err := m.LoadModel(ctx, modelID)
	if err != nil {
		metrics.ModelInferences.WithLabelValues(modelID, "load_failed").Inc()
		return nil, err
	}
	if res != LoadLoaded {
		metrics.ModelInferences.WithLabelValues(modelID, "not_admitted").Inc()
		return nil, fmt.Errorf("%w: %s not admitted (%s)", ErrInfeasibleBudget, modelID, res)
	}

	rec, err := m.rec(modelID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	rec.refs++
	if conversationID != "" {
		rec.owners[conversationID] = true
	}
	rec.mu.Unlock()
	m.acct.Pin(modelID)

	defer func() {
		rec.mu.Lock()
		rec.refs--
		rec.lastUsedAt = m.now()
		rec.mu.Unlock()
		m.acct.Unpin(modelID)
		m.acct.Touch(modelID)
	}()

	backend := m.backends[rec.spec.ServingMethod]
	out, err := backend.Infer(ctx, modelID, payload)
	if err != nil {
		metrics.ModelInferences.WithLabelValues(modelID, "error").Inc()
		return nil, err
	}
	metrics.ModelInferences.WithLabelValues(modelID, "ok").Inc()
	if m.usage != nil {
		m.usage.Record(modelID, m.now())
	}
	return out, nil
}

// ReleaseConversation drops a conversation's ownership marks (the
// conversation-scoped caches are per-model bookkeeping only).
func (m *Manager) ReleaseConversation(conversationID string) {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.Unlock()
	for _, r := range recs {
		r.mu.Lock()
		delete(r.owners, conversationID)
		r.mu.Unlock()
	}
}

// Status returns the record for one model.
func (m *Manager) Status(modelID string) (Record, error) {
	rec, err := m.rec(modelID)
	if err != nil {
		return Record{}, err
	}
	return m.snapshot(rec), nil
}

// StatusAll returns every record sorted by model id. Side-effect free.
func (m *Manager) StatusAll() []Record {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.Unlock()

	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, m.snapshot(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// PendingLoads returns the queued model ids in FIFO order.
func (m *Manager) PendingLoads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.pending))
	copy(out, m.pending)
	return out
}

func (m *Manager) snapshot(rec *record) Record {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	owners := make([]string, 0, len(rec.owners))
	for o := range rec.owners {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return Record{
		ModelID:            rec.spec.ModelID,
		ServingMethod:      rec.spec.ServingMethod,
		EstimatedVRAMMB:    rec.spec.EstimatedVRAMMB,
		Priority:           rec.spec.Priority,
		State:              rec.state,
		LastUsedAt:         rec.lastUsedAt,
		LoadCount:          rec.loadCount,
		ActiveInferences:   rec.refs,
		OwnerConversations: owners,
		LastError:          rec.lastErr,
	}
}

// setState transitions a record and keeps the state metric in step.
func (m *Manager) setState(rec *record, to State) {
	rec.mu.Lock()
	from := rec.state
	rec.state = to
	rec.mu.Unlock()
	if from != "" {
		metrics.ModelState.WithLabelValues(rec.spec.ModelID, string(from)).Set(0)
	}
	metrics.ModelState.WithLabelValues(rec.spec.ModelID, string(to)).Set(1)
}

// enqueue appends to the pending load queue (idempotent).
func (m *Manager) enqueue(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingSet[modelID] {
		return
	}
	m.pending = append(m.pending, modelID)
	m.pendingSet[modelID] = true
	metrics.ModelPendingLoads.Set(float64(len(m.pending)))
	logging.Info().Str("model_id", modelID).Int("queue_depth", len(m.pending)).Msg("load queued on vram pressure")
}

// dequeue removes a model from the pending queue if present.
func (m *Manager) dequeue(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pendingSet[modelID] {
		return
	}
	delete(m.pendingSet, modelID)
	for i, id := range m.pending {
		if id == modelID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	metrics.ModelPendingLoads.Set(float64(len(m.pending)))
}

// drainPending loads queued models head-first while admission succeeds.
// FIFO order is preserved by a single drainer goroutine.
func (m *Manager) drainPending() {
	m.mu.Lock()
	if m.draining || len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.draining = false
			m.mu.Unlock()
		}()
		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				return
			}
			head := m.pending[0]
			rec, ok := m.records[head]
			if !ok {
				m.pending = m.pending[1:]
				delete(m.pendingSet, head)
				m.mu.Unlock()
				continue
			}
			admit, _ := m.acct.CanAdmit(rec.spec.EstimatedVRAMMB)
			if !admit {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()

			// The load path dequeues on success and re-enqueues on a lost
			// admission race, so the queue converges either way.
			res, err := m.LoadModel(context.Background(), head)
			if err != nil {
				logging.Warn().Err(err).Str("model_id", head).Msg("pending load failed")
				m.dequeue(head)
				continue
			}
			if res == LoadQueued {
				// Lost an admission race; wait for the next release.
				return
			}
		}
	}()
}

// RunIdleSweeper unloads idle low-priority models until ctx is canceled.
// Wrapped as a suture service by the supervisor.
func (m *Manager) RunIdleSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SweepIdle(ctx)
		}
	}
}

// SweepIdle unloads every Loaded model whose last use is older than the
// idle timeout, except max-priority models and models in use.
func (m *Manager) SweepIdle(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	for _, r := range m.StatusAll() {
		if r.State != StateLoaded || r.Priority >= vram.MaxPriority {
			continue
		}
		if r.ActiveInferences > 0 || r.LastUsedAt.After(cutoff) {
			continue
		}
		logging.Info().Str("model_id", r.ModelID).Time("last_used", r.LastUsedAt).Msg("idle sweep unloading model")
		if _, err := m.UnloadModel(ctx, r.ModelID); err != nil {
			logging.Warn().Err(err).Str("model_id", r.ModelID).Msg("idle sweep unload failed")
		}
	}
}
