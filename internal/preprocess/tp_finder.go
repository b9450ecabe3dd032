package preprocess

import (
	"encoding/binary"

	"github.com/nhdewitt/readout-core/internal/frame"
)

// NumChannels is the width of one collection-view SIMD register: 16
// channels processed together per tick, mirroring the AVX2-width
// registers the original hardware-facing implementation operates on.
const NumChannels = 16

// NTaps is the number of taps in the fixed integer FIR filter applied
// after pedestal subtraction.
const NTaps = 8

// FIRScaleShift implements the "exponent-6" fixed-point scaling: FIR
// output is right-shifted by this many bits after the weighted sum.
const FIRScaleShift = 6

// AccumulatorSaturation is the frugal accumulator's saturation width: a
// per-channel signed counter in [-AccumulatorSaturation,
// AccumulatorSaturation] that nudges the tracked pedestal/quantile by
// +/-1 whenever it saturates, then resets to 0.
const AccumulatorSaturation = 10

// DefaultFIRCoeffs is a symmetric low-pass kernel summing to 2^FIRScaleShift
// (64), used when a link configures no FIR coefficients of its own. The
// exact filter shape is specified externally (it depends on the
// front-end's pulse response); this default only needs to be a sane,
// deterministic placeholder that exercises the same fixed-point pipeline
// a real filter would.
var DefaultFIRCoeffs = [NTaps]int32{1, 4, 10, 17, 17, 10, 4, 1}

// Hit is a candidate trigger primitive emitted on a threshold
// falling edge.
type Hit struct {
	Channel           int
	EndTick           uint64
	Charge            int64
	TimeOverThreshold uint64
}

// channelState is the frugal-accumulator/FIR state tracked independently
// for each of the NumChannels channels in a register.
type channelState struct {
	pedestal int32
	pedAcc   int32 // frugal accumulator tracking the pedestal (median)
	quantile int32 // tracks a "sigma" proxy: half-width of the 25/75 band
	quantAcc int32 // frugal accumulator tracking the quantile band

	firHistory [NTaps]int32

	hitInProgress bool
	hitStartTick  uint64
	hitCharge     int64
	hitWidth      uint64
}

// frugalStep nudges target by +/-1 whenever acc saturates at +/-K,
// mirroring the frugal streaming median estimator: cheap, O(1) per
// sample, no floating point.
func frugalStep(sample, target, acc int32) (newTarget, newAcc int32) {
	switch {
	case sample > target:
		acc++
		if acc > AccumulatorSaturation {
			target++
			acc = 0
		}
	case sample < target:
		acc--
		if acc < -AccumulatorSaturation {
			target--
			acc = 0
		}
	default:
		acc = 0
	}
	return target, acc
}

// TPFinderTask is the optional collection-view trigger-primitive finder:
// per-channel pedestal tracking via a frugal accumulator, a fixed
// integer FIR filter, and threshold-based hit detection emitting a
// record on each falling edge. It is purely additive: it never modifies
// the element it runs over, only appends to Hits and counts via
// ctx.Counters.
type TPFinderTask struct {
	channels [NumChannels]channelState

	// FIRCoeffs, Multiplier and ThresholdSigmas are the pluggable knobs;
	// the algorithm's exact numeric definition is specified externally.
	FIRCoeffs       [NTaps]int32
	Multiplier      int32
	ThresholdSigmas int32

	// Hits accumulates emitted hit records. OnHit, if set, is also
	// invoked synchronously for each hit (e.g. to forward into a
	// downstream sink); Hits is always appended to regardless.
	Hits  []Hit
	OnHit func(Hit)
}

// NewTPFinderTask returns a finder with the default FIR kernel and the
// given threshold parameters.
func NewTPFinderTask(multiplier, thresholdSigmas int32) *TPFinderTask {
	return &TPFinderTask{
		FIRCoeffs:       DefaultFIRCoeffs,
		Multiplier:      multiplier,
		ThresholdSigmas: thresholdSigmas,
	}
}

func (t *TPFinderTask) Run(elem *frame.SuperChunk, ctx *Context) {
	before := len(t.Hits)
	n := elem.NumRawFrames()
	for i := 0; i < n; i++ {
		tick := elem.Timestamps[i]
		samples := channelsFromFrame(elem.RawFrameBytes(i))

		for c := 0; c < NumChannels; c++ {
			t.processSample(c, tick, samples[c])
		}
	}
	if found := len(t.Hits) - before; found > 0 {
		ctx.Counters.TPsFound.Add(uint64(found))
	}
}

func (t *TPFinderTask) processSample(channel int, tick uint64, sample int16) {
	cs := &t.channels[channel]

	s := int32(sample)
	cs.pedestal, cs.pedAcc = frugalStep(s, cs.pedestal, cs.pedAcc)

	deviation := s - cs.pedestal
	absDeviation := deviation
	if absDeviation < 0 {
		absDeviation = -absDeviation
	}
	cs.quantile, cs.quantAcc = frugalStep(absDeviation, cs.quantile, cs.quantAcc)

	copy(cs.firHistory[1:], cs.firHistory[:NTaps-1])
	cs.firHistory[0] = deviation

	var acc int64
	coeffs := t.FIRCoeffs
	for i := 0; i < NTaps; i++ {
		acc += int64(coeffs[i]) * int64(cs.firHistory[i])
	}
	firOut := int32(acc >> FIRScaleShift)

	sigma := cs.quantile
	if sigma < 1 {
		sigma = 1
	}
	threshold := sigma * t.Multiplier * t.ThresholdSigmas

	above := firOut > threshold || firOut < -threshold

	switch {
	case above && !cs.hitInProgress:
		cs.hitInProgress = true
		cs.hitStartTick = tick
		cs.hitCharge = int64(firOut)
		cs.hitWidth = 1
	case above && cs.hitInProgress:
		cs.hitCharge += int64(firOut)
		cs.hitWidth++
	case !above && cs.hitInProgress:
		hit := Hit{
			Channel:           channel,
			EndTick:           tick,
			Charge:            cs.hitCharge,
			TimeOverThreshold: cs.hitWidth,
		}
		t.Hits = append(t.Hits, hit)
		if t.OnHit != nil {
			t.OnHit(hit)
		}
		cs.hitInProgress = false
		cs.hitCharge = 0
		cs.hitWidth = 0
	}
}

// channelsFromFrame decodes NumChannels little-endian int16 ADC samples
// from the start of a raw frame's payload: the Go rendering of reading a
// 16-lane collection-view SIMD register straight off the wire format.
func channelsFromFrame(payload []byte) [NumChannels]int16 {
	var out [NumChannels]int16
	for c := 0; c < NumChannels; c++ {
		off := c * 2
		if off+2 > len(payload) {
			break
		}
		out[c] = int16(binary.LittleEndian.Uint16(payload[off : off+2]))
	}
	return out
}
