package request

import (
	"github.com/nhdewitt/readout-core/internal/errregistry"
	"github.com/nhdewitt/readout-core/internal/frame"
	"github.com/nhdewitt/readout-core/internal/latbuf"
	"github.com/nhdewitt/readout-core/internal/xmath"
)

// EvictionPolicy decides when and how much to evict from a link's
// latency buffer. The two latency-buffer variants are bounded by
// different quantities (element occupancy for the ring, timestamp span
// for the skip list), so each gets its own policy implementation behind
// this common interface; Handler.CleanupCheck is written once against
// it.
type EvictionPolicy interface {
	// ShouldEvict reports whether a cleanup pass should run now.
	ShouldEvict() bool

	// Evict performs one eviction pass and returns the number of
	// elements removed. notPast is a timestamp cutoff eviction must
	// never cross (the recording subsystem's next-timestamp-to-record
	// cursor, when raw recording is active; pass ^uint64(0) when it
	// is not).
	Evict(notPast uint64) int
}

// RingEvictionPolicy bounds a FixedRateRing by occupancy: once occupancy
// exceeds popLimitSize, it evicts popSizeFraction of the current
// occupancy from the front, stopping early if it would cross notPast.
type RingEvictionPolicy struct {
	Ring            *latbuf.FixedRateRing[*frame.SuperChunk]
	Errors          *errregistry.Registry
	PopLimitSize    int
	PopSizeFraction float64
}

func (p *RingEvictionPolicy) ShouldEvict() bool {
	return p.Ring.Occupancy() > p.PopLimitSize
}

func (p *RingEvictionPolicy) Evict(notPast uint64) int {
	occ := p.Ring.Occupancy()
	target := int(float64(occ) * p.PopSizeFraction)

	removed := 0
	for removed < target {
		front, ok := p.Ring.Front()
		if !ok || front.FirstTimestamp() >= notPast {
			break
		}
		p.Ring.Pop(1)
		removed++
	}
	if front, ok := p.Ring.Front(); ok {
		p.Errors.UpdateLatestFrameInBuffer(front.FirstTimestamp())
	}
	return removed
}

// SkipListEvictionPolicy bounds a SkipList by timestamp span: once
// (newest - oldest) exceeds MaxSpan, it evicts every element older than
// newest-MaxSpan, again never crossing notPast.
type SkipListEvictionPolicy struct {
	List    *latbuf.SkipList[*frame.SuperChunk]
	Errors  *errregistry.Registry
	MaxSpan uint64
}

func (p *SkipListEvictionPolicy) ShouldEvict() bool {
	return p.List.Span() > p.MaxSpan
}

func (p *SkipListEvictionPolicy) Evict(notPast uint64) int {
	back, ok := p.List.Back()
	if !ok {
		return 0
	}
	cutoff := uint64(0)
	if back.FirstTimestamp() > p.MaxSpan {
		cutoff = back.FirstTimestamp() - p.MaxSpan
	}
	cutoff = xmath.Clamp(cutoff, 0, notPast)

	n := p.List.EvictBefore(cutoff)
	if front, ok := p.List.Front(); ok {
		p.Errors.UpdateLatestFrameInBuffer(front.FirstTimestamp())
	}
	return n
}
