// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package coordinator

import "container/heap"

// item is one queued request with its arrival sequence for tie-breaking.
type item struct {
	req  *pending
	seq  uint64
	rank int // heap index
}

// less orders items: urgency first, then the user-profile hint, then
// arrival order. Higher urgency and hint win; earlier arrival wins ties.
func less(a, b *item) bool {
	if a.req.req.Urgency != b.req.req.Urgency {
		return a.req.req.Urgency > b.req.req.Urgency
	}
	if a.req.req.ProfileHint != b.req.req.ProfileHint {
		return a.req.req.ProfileHint > b.req.req.ProfileHint
	}
	return a.seq < b.seq
}

// requestHeap implements heap.Interface.
type requestHeap []*item

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].rank = i
	h[j].rank = j
}

func (h *requestHeap) Push(x any) {
	it := x.(*item)
	it.rank = len(*h)
	*h = append(*h, it)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*requestHeap)(nil)
