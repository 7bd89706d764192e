// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/meridian/internal/vram"
)

func newTestUsageLog(t *testing.T) *UsageLog {
	t.Helper()
	log, err := OpenUsageLog(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("open usage log: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestUsageLogStats(t *testing.T) {
	log := newTestUsageLog(t)
	base := time.Now()

	log.Record("whisper", base.Add(-10*time.Minute))
	log.Record("whisper", base.Add(-5*time.Minute))
	log.Record("llama", base.Add(-1*time.Minute))
	log.Record("ancient", base.Add(-3*time.Hour)) // outside window

	stats, err := log.StatsSince(base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %v, want 2 models", stats)
	}
	if stats["whisper"].Count != 2 {
		t.Errorf("whisper count = %d", stats["whisper"].Count)
	}
	if !stats["llama"].LastAt.Equal(base.Add(-1 * time.Minute)) {
		t.Errorf("llama last = %v", stats["llama"].LastAt)
	}
}

func TestPredictRanksByFrequencyAndRecency(t *testing.T) {
	log := newTestUsageLog(t)
	mgr, _ := newTestManager(t, 1000)
	p := NewPreloader(PreloadConfig{TopK: 2, Window: time.Hour}, mgr, log)

	base := time.Now()
	p.SetClock(func() time.Time { return base })

	// hot: frequent and recent. warm: recent only. cold: one old event.
	for i := 0; i < 5; i++ {
		log.Record("hot", base.Add(-time.Duration(i)*time.Minute))
	}
	log.Record("warm", base.Add(-2*time.Minute))
	log.Record("cold", base.Add(-55*time.Minute))

	got := p.Predict()
	if len(got) != 2 {
		t.Fatalf("predict = %v, want 2", got)
	}
	if got[0] != "hot" || got[1] != "warm" {
		t.Errorf("predict order = %v, want [hot warm]", got)
	}
}

func TestPreloadNeverEvicts(t *testing.T) {
	log := newTestUsageLog(t)
	mgr, _ := newTestManager(t, 1000)
	addModel(t, mgr, "resident", 800, 1)
	addModel(t, mgr, "predicted", 400, 1)
	mustLoad(t, mgr, "resident")

	log.Record("predicted", time.Now())
	p := NewPreloader(PreloadConfig{TopK: 1, Window: time.Hour}, mgr, log)
	p.Tick(context.Background())

	// No admission without eviction: the preload is skipped, the resident
	// model stays, nothing is queued.
	res, _ := mgr.Status("resident")
	if res.State != StateLoaded {
		t.Errorf("resident = %s; preload must not evict", res.State)
	}
	pred, _ := mgr.Status("predicted")
	if pred.State != StateUnloaded {
		t.Errorf("predicted = %s, want unloaded", pred.State)
	}
	if len(mgr.PendingLoads()) != 0 {
		t.Error("preload must not queue")
	}
}

func TestPreloadLoadsWhenAdmissible(t *testing.T) {
	log := newTestUsageLog(t)
	mgr, _ := newTestManager(t, 1000)
	addModel(t, mgr, "predicted", 400, 1)

	log.Record("predicted", time.Now())
	p := NewPreloader(PreloadConfig{TopK: 1, Window: time.Hour}, mgr, log)
	p.Tick(context.Background())

	waitForState(t, mgr, "predicted", StateLoaded, 2*time.Second)
}

func TestUsageLogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenUsageLog(dir, time.Hour)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	log.Record("persistent", time.Now())
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenUsageLog(dir, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	stats, err := reopened.StatsSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["persistent"].Count != 1 {
		t.Errorf("usage must survive restart, stats = %v", stats)
	}
}

func TestPreloadSkipsMaxPriorityEvictionPressure(t *testing.T) {
	// A full budget of protected models: preloads must neither evict nor
	// pause anything.
	log := newTestUsageLog(t)
	mgr, _ := newTestManager(t, 500)
	addModel(t, mgr, "protected", 500, vram.MaxPriority)
	addModel(t, mgr, "wanted", 100, 1)
	mustLoad(t, mgr, "protected")

	log.Record("wanted", time.Now())
	p := NewPreloader(PreloadConfig{TopK: 1, Window: time.Hour}, mgr, log)
	p.Tick(context.Background())

	rec, _ := mgr.Status("protected")
	if rec.State != StateLoaded {
		t.Errorf("protected = %s", rec.State)
	}
}
