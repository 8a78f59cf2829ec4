// Package sampler implements the adaptive per-type allocation sampler. Each
// observed type carries a State; Observe decides for every allocation
// whether to report it and with what representative size, so that summing
// representative sizes over reported events recovers the true allocated
// bytes of the type, suppressed allocations included.
package sampler

// DefaultForceKeepSize is the byte threshold above which allocations are
// reported unconditionally. Large allocations are individually interesting
// and too rare to justify sampling loss.
const DefaultForceKeepSize = 10000

const (
	// bucketMS is the length of the rate-estimation window.
	bucketMS = 16
	// maxSamplingRate caps suppression at one report per 1000 allocations.
	maxSamplingRate = 1000
	// targetPerMS scales the estimated rate into a sampling rate that keeps
	// a type near 100 reported events per second.
	targetPerMS = 10
)

// State is the per-type sampler state. The caller synchronizes access; the
// agent guards all States with its process-wide mutex.
type State struct {
	TickOfBucketStart  int32
	AllocCountInBucket int32
	AllocPerMS         float32
	SamplingRate       uint32
	AllocsIgnored      uint32
	IgnoredBytes       uint64
	ForceKeepSize      uint64
}

// NewState returns sampler state with default thresholds, starting its
// first bucket at nowTicks (milliseconds).
func NewState(nowTicks int32) State {
	return State{
		TickOfBucketStart: nowTicks,
		ForceKeepSize:     DefaultForceKeepSize,
	}
}

// Decision is the outcome of observing one allocation.
type Decision struct {
	Emit bool
	// RepresentativeSize accumulates the bytes of every allocation
	// suppressed since the previous report, plus the reported one.
	RepresentativeSize uint64
}

// Observe feeds one allocation of size bytes into the state at nowTicks
// milliseconds and decides whether to report it.
func (s *State) Observe(size uint64, nowTicks int32) Decision {
	s.AllocsIgnored++
	s.IgnoredBytes += size

	// Instances at or above the keep threshold always report, without
	// disturbing the rate estimate.
	if size >= s.ForceKeepSize {
		return s.emit()
	}

	if uint64(s.AllocsIgnored) < uint64(s.SamplingRate) {
		return Decision{}
	}

	s.updateRate(nowTicks)
	return s.emit()
}

func (s *State) emit() Decision {
	d := Decision{Emit: true, RepresentativeSize: s.IgnoredBytes}
	s.AllocsIgnored = 0
	s.IgnoredBytes = 0
	return d
}

// updateRate folds the allocations seen since the last report into the
// exponentially weighted rate estimate and derives the next sampling rate.
func (s *State) updateRate(nowTicks int32) {
	s.AllocCountInBucket += int32(s.AllocsIgnored)

	// 31-bit arithmetic so tick-counter wraparound still yields a small
	// positive delta.
	delta := (nowTicks - s.TickOfBucketStart) & 0x7FFFFFFF

	// An underestimate of the true rate: assume the bucket ran full length.
	floorRate := s.AllocCountInBucket / bucketMS

	switch {
	case delta >= bucketMS:
		newRate := float32(s.AllocCountInBucket) / float32(delta)
		s.AllocPerMS = 0.8*s.AllocPerMS + 0.2*newRate
		s.TickOfBucketStart = nowTicks
		s.AllocCountInBucket = 0
	case floorRate > 2 && float32(floorRate) > s.AllocPerMS*1.5:
		// A burst is outrunning the window; ramp the estimate immediately
		// rather than waiting for the bucket to elapse.
		s.AllocPerMS = float32(floorRate)
	default:
		return
	}

	// Clamp before converting: a huge estimate times targetPerMS can exceed
	// the uint32 range.
	scaled := s.AllocPerMS * targetPerMS
	rate := uint32(maxSamplingRate)
	if scaled < maxSamplingRate {
		rate = uint32(scaled)
	}
	// A rate of 1 filters nothing; collapse it to the unfiltered state.
	if rate == 1 {
		rate = 0
	}
	s.SamplingRate = rate
}
