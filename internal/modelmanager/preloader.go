// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package modelmanager

import (
	"context"
	"sort"
	"time"

	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
)

// PreloadConfig tunes the predictive preloader. The scoring weights are
// configurable: they are heuristics, not constants derived from measured
// data.
type PreloadConfig struct {
	// TopK is how many predicted models to keep warm. Default: 3
	TopK int

	// Window is the usage horizon scored. Default: 1h
	Window time.Duration

	// Interval is the prediction cadence. Default: 1m
	Interval time.Duration

	// FrequencyWeight and RecencyWeight combine into the score. Both
	// default to 1.0.
	FrequencyWeight float64
	RecencyWeight   float64
}

// DefaultPreloadConfig returns preloader defaults.
func DefaultPreloadConfig() PreloadConfig {
	return PreloadConfig{
		TopK:            3,
		Window:          time.Hour,
		Interval:        time.Minute,
		FrequencyWeight: 1.0,
		RecencyWeight:   1.0,
	}
}

func (c PreloadConfig) withDefaults() PreloadConfig {
	d := DefaultPreloadConfig()
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.FrequencyWeight == 0 {
		c.FrequencyWeight = d.FrequencyWeight
	}
	if c.RecencyWeight == 0 {
		c.RecencyWeight = d.RecencyWeight
	}
	return c
}

// Preloader predicts the next models from observed usage and loads them
// ahead of demand. Preloads never evict and never queue: they only happen
// when admission succeeds outright.
type Preloader struct {
	cfg PreloadConfig
	mgr *Manager
	log *UsageLog
	now func() time.Time
}

// NewPreloader creates a preloader over the manager's usage log.
func NewPreloader(cfg PreloadConfig, mgr *Manager, log *UsageLog) *Preloader {
	return &Preloader{cfg: cfg.withDefaults(), mgr: mgr, log: log, now: time.Now}
}

// SetClock replaces the time source, for tests.
func (p *Preloader) SetClock(now func() time.Time) { p.now = now }

// Run predicts and preloads on the configured interval until ctx is
// canceled. Wrapped as a suture service by the supervisor.
func (p *Preloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one prediction round.
func (p *Preloader) Tick(ctx context.Context) {
	for _, modelID := range p.Predict() {
		rec, err := p.mgr.Status(modelID)
		if err != nil || rec.State != StateUnloaded {
			continue
		}
		res, err := p.mgr.Preload(ctx, modelID)
		if err != nil {
			logging.Debug().Err(err).Str("model_id", modelID).Msg("preload skipped")
			continue
		}
		if res == LoadLoaded {
			metrics.ModelPreloads.Inc()
			logging.Info().Str("model_id", modelID).Msg("model preloaded on predicted demand")
		}
	}
}

// Predict returns the top-K model ids by combined frequency and recency
// score over the window, best first.
func (p *Preloader) Predict() []string {
	now := p.now()
	stats, err := p.log.StatsSince(now.Add(-p.cfg.Window))
	if err != nil {
		logging.Warn().Err(err).Msg("usage scan failed")
		return nil
	}
	if len(stats) == 0 {
		return nil
	}

	maxCount := 0
	for _, s := range stats {
		if s.Count > maxCount {
			maxCount = s.Count
		}
	}

	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, 0, len(stats))
	for id, s := range stats {
		frequency := float64(s.Count) / float64(maxCount)
		// Recency decays linearly across the window: an event right now
		// scores 1, one at the window edge scores 0.
		age := now.Sub(s.LastAt)
		recency := 1 - float64(age)/float64(p.cfg.Window)
		if recency < 0 {
			recency = 0
		}
		ranked = append(ranked, scored{
			id:    id,
			score: p.cfg.FrequencyWeight*frequency + p.cfg.RecencyWeight*recency,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})

	k := p.cfg.TopK
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, 0, k)
	for _, s := range ranked[:k] {
		out = append(out, s.id)
	}
	return out
}
