// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

// Package vram owns accelerator memory as a bounded, shared resource. The
// accountant is a pure in-memory ledger: every mutation happens under one
// mutex, and the mutex is never held across a backend call. The model
// manager is the only writer.
package vram

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
)

var (
	// ErrInfeasible: no eviction set can free the required memory.
	ErrInfeasible = errors.New("infeasible eviction")

	// ErrOverBudget: the reservation would break the budget invariant.
	ErrOverBudget = errors.New("reservation exceeds budget")

	// ErrPaused: the accountant detected an inconsistency and refuses new
	// reservations until reconciled.
	ErrPaused = errors.New("accountant paused")

	// ErrUnknownModel: the model has no reservation.
	ErrUnknownModel = errors.New("unknown model")
)

// MaxPriority marks non-evictable models.
const MaxPriority = 10

// reservation is the ledger record for one model.
type reservation struct {
	mb         int
	priority   int
	lastUsedAt time.Time
	pinned     int  // active inference refcount
	evicting   bool // still counted until release confirmed
	loading    bool // not an eviction candidate
}

// Accountant tracks reserved VRAM against a fixed budget and selects
// eviction victims deterministically.
type Accountant struct {
	mu       sync.Mutex
	budgetMB int
	reserved map[string]*reservation
	paused   bool
	now      func() time.Time
}

// New creates an accountant with the given budget.
func New(budgetMB int) *Accountant {
	metrics.VRAMBudgetMB.Set(float64(budgetMB))
	return &Accountant{
		budgetMB: budgetMB,
		reserved: make(map[string]*reservation),
		now:      time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (a *Accountant) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// BudgetMB returns the configured budget.
func (a *Accountant) BudgetMB() int {
	return a.budgetMB
}

// ReservedMB returns the total currently reserved.
func (a *Accountant) ReservedMB() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reservedLocked()
}

func (a *Accountant) reservedLocked() int {
	total := 0
	for _, r := range a.reserved {
		total += r.mb
	}
	return total
}

// CanAdmit is the pure admission check: whether mb fits in the remaining
// budget right now. On refusal the deficit is returned.
func (a *Accountant) CanAdmit(mb int) (bool, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := a.budgetMB - a.reservedLocked()
	if mb <= free {
		return true, 0
	}
	return false, mb - free
}

// Reserve records a reservation for a model entering Loading. The budget
// invariant is enforced here: a reservation that would exceed the budget
// is refused, never silently absorbed.
func (a *Accountant) Reserve(modelID string, mb, priority int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.paused {
		return ErrPaused
	}
	if _, exists := a.reserved[modelID]; exists {
		return fmt.Errorf("reserve %s: already reserved", modelID)
	}
	if a.reservedLocked()+mb > a.budgetMB {
		return fmt.Errorf("%w: %s needs %d MB, %d MB free",
			ErrOverBudget, modelID, mb, a.budgetMB-a.reservedLocked())
	}

	a.reserved[modelID] = &reservation{
		mb:         mb,
		priority:   priority,
		lastUsedAt: a.now(),
		loading:    true,
	}
	a.publishGauge()
	return nil
}

// Commit marks a Loading reservation as fully Loaded (eligible for
// eviction selection from now on).
func (a *Accountant) Commit(modelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.reserved[modelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	r.loading = false
	r.lastUsedAt = a.now()
	return nil
}

// Release drops a reservation (unload confirmed, or load failed).
func (a *Accountant) Release(modelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, modelID)
	a.publishGauge()
}

// Touch refreshes a model's last-used timestamp.
func (a *Accountant) Touch(modelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.reserved[modelID]; ok {
		r.lastUsedAt = a.now()
	}
}

// Pin increments a model's active-inference refcount; a pinned model is
// never selected as an eviction victim.
func (a *Accountant) Pin(modelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.reserved[modelID]; ok {
		r.pinned++
	}
}

// Unpin decrements the refcount.
func (a *Accountant) Unpin(modelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.reserved[modelID]; ok && r.pinned > 0 {
		r.pinned--
	}
}

// MarkEvicting flags a model mid-eviction. The reservation stays counted
// until Release, preventing double admission during the overlap.
func (a *Accountant) MarkEvicting(modelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.reserved[modelID]; ok {
		r.evicting = true
	}
}

// SelectEvictionVictims returns the minimal prefix of the (priority asc,
// last_used_at asc) candidate ordering whose cumulative size covers
// requiredMB. Models that are Loading, pinned, already Evicting, or at
// MaxPriority are excluded. ErrInfeasible when no prefix suffices.
func (a *Accountant) SelectEvictionVictims(requiredMB int) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.paused {
		return nil, ErrPaused
	}

	type candidate struct {
		id string
		r  *reservation
	}
	var candidates []candidate
	for id, r := range a.reserved {
		if r.loading || r.evicting || r.pinned > 0 || r.priority >= MaxPriority {
			continue
		}
		candidates = append(candidates, candidate{id, r})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.r.priority != b.r.priority {
			return a.r.priority < b.r.priority
		}
		if !a.r.lastUsedAt.Equal(b.r.lastUsedAt) {
			return a.r.lastUsedAt.Before(b.r.lastUsedAt)
		}
		return a.id < b.id
	})

	var victims []string
	freed := 0
	for _, c := range candidates {
		if freed >= requiredMB {
			break
		}
		victims = append(victims, c.id)
		freed += c.r.mb
	}
	if freed < requiredMB {
		return nil, fmt.Errorf("%w: need %d MB, only %d MB evictable", ErrInfeasible, requiredMB, freed)
	}
	return victims, nil
}

// Verify checks the ledger invariant. A violation pauses the accountant:
// new reservations are refused until Reconcile.
func (a *Accountant) Verify() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if total := a.reservedLocked(); total > a.budgetMB {
		a.paused = true
		logging.Error().Int("reserved_mb", total).Int("budget_mb", a.budgetMB).
			Msg("vram accounting inconsistency; accountant paused")
		return fmt.Errorf("%w: reserved %d MB exceeds budget %d MB", ErrPaused, total, a.budgetMB)
	}
	return nil
}

// Paused reports whether the accountant refuses new reservations.
func (a *Accountant) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Reconcile replaces the ledger with the backend's authoritative view of
// loaded models and resumes service if the result is consistent.
func (a *Accountant) Reconcile(loaded map[string]ModelUsage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fresh := make(map[string]*reservation, len(loaded))
	total := 0
	for id, u := range loaded {
		fresh[id] = &reservation{mb: u.MB, priority: u.Priority, lastUsedAt: u.LastUsedAt}
		total += u.MB
	}
	if total > a.budgetMB {
		return fmt.Errorf("%w: reconciled set still exceeds budget", ErrPaused)
	}
	a.reserved = fresh
	a.paused = false
	a.publishGauge()
	logging.Info().Int("models", len(fresh)).Int("reserved_mb", total).Msg("vram ledger reconciled")
	return nil
}

// ModelUsage is the reconciliation input record.
type ModelUsage struct {
	MB         int
	Priority   int
	LastUsedAt time.Time
}

// Snapshot is a point-in-time ledger view for the observability hub.
type Snapshot struct {
	BudgetMB   int             `json:"budget_mb"`
	ReservedMB int             `json:"reserved_mb"`
	Paused     bool            `json:"paused"`
	Models     []ModelSnapshot `json:"models"`
}

// ModelSnapshot is one reservation in a Snapshot.
type ModelSnapshot struct {
	ModelID    string    `json:"model_id"`
	MB         int       `json:"mb"`
	Priority   int       `json:"priority"`
	LastUsedAt time.Time `json:"last_used_at"`
	Pinned     int       `json:"pinned,omitempty"`
	Evicting   bool      `json:"evicting,omitempty"`
	Loading    bool      `json:"loading,omitempty"`
}

// Snapshot returns the current ledger state.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		BudgetMB:   a.budgetMB,
		ReservedMB: a.reservedLocked(),
		Paused:     a.paused,
	}
	for id, r := range a.reserved {
		snap.Models = append(snap.Models, ModelSnapshot{
			ModelID:    id,
			MB:         r.mb,
			Priority:   r.priority,
			LastUsedAt: r.lastUsedAt,
			Pinned:     r.pinned,
			Evicting:   r.evicting,
			Loading:    r.loading,
		})
	}
	sort.Slice(snap.Models, func(i, j int) bool { return snap.Models[i].ModelID < snap.Models[j].ModelID })
	return snap
}

func (a *Accountant) publishGauge() {
	metrics.VRAMReservedMB.Set(float64(a.reservedLocked()))
}
