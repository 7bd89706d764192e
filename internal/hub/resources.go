// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package hub

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tomtom215/meridian/internal/logging"
)

// ResourceSnapshot is one machine's resource sample.
type ResourceSnapshot struct {
	Host           string    `json:"host"`
	CPUPercent     float64   `json:"cpu_percent"`
	RAMUsedMB      uint64    `json:"ram_used_mb"`
	RAMTotalMB     uint64    `json:"ram_total_mb"`
	VRAMReservedMB int       `json:"vram_reserved_mb"`
	VRAMBudgetMB   int       `json:"vram_budget_mb"`
	SampledAt      time.Time `json:"sampled_at"`
}

// VRAMSource reports the accountant's view for resource snapshots.
type VRAMSource interface {
	ReservedMB() int
	BudgetMB() int
}

// sampleResources reads CPU and RAM through gopsutil and VRAM through the
// accountant. CPU sampling is non-blocking (since last call).
func sampleResources(host string, vramSrc VRAMSource) ResourceSnapshot {
	snap := ResourceSnapshot{Host: host, SampledAt: time.Now()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		logging.Debug().Err(err).Msg("cpu sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.RAMUsedMB = vm.Used / (1 << 20)
		snap.RAMTotalMB = vm.Total / (1 << 20)
	} else {
		logging.Debug().Err(err).Msg("memory sample failed")
	}

	if vramSrc != nil {
		snap.VRAMReservedMB = vramSrc.ReservedMB()
		snap.VRAMBudgetMB = vramSrc.BudgetMB()
	}
	return snap
}

// runResourceSampler samples every interval until ctx ends, feeding the
// hub's latest-snapshot slot and the event feed.
func (h *Hub) runResourceSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := sampleResources(h.localHost, h.vram)
			h.mu.Lock()
			h.lastResources = snap
			h.mu.Unlock()
			h.emit(Event{Type: EventResources, Resources: &snap, At: snap.SampledAt})
		}
	}
}
