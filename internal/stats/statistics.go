// Package stats keeps the per-run stream health aggregate shared between the
// capture goroutine and the poller.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"OpenHome/Songshark-Go/internal/frame"
)

// MaxDuration is the minimum gap reported before any gap has been sampled.
const MaxDuration = time.Duration(math.MaxInt64)

// ErrFrameLoss reports a sequence discontinuity. It is informational only.
var ErrFrameLoss = errors.New("frame loss")

// FrameLossError carries the sequence numbers around a discontinuity.
type FrameLossError struct {
	Expected uint32
	Got      uint32
}

func (e *FrameLossError) Error() string {
	return fmt.Sprintf("frame loss before sequence %d (expected %d)", e.Got, e.Expected)
}

func (e *FrameLossError) Is(target error) bool {
	return target == ErrFrameLoss
}

// Snapshot is an immutable copy of the statistics.
type Snapshot struct {
	PacketCount uint32
	MinGap      time.Duration
	MaxGap      time.Duration
	GapSamples  uint32
	LostFrames  uint32
	// HaltCount counts every halted frame, including a halted first frame
	HaltCount uint32
}

// HasGaps reports whether MinGap and MaxGap hold sampled values.
func (s Snapshot) HasGaps() bool {
	return s.GapSamples > 0
}

// StreamStatistics aggregates packet count, inter-arrival gap bounds and
// sequence gaps. All methods are safe for concurrent use.
type StreamStatistics struct {
	mu            sync.Mutex
	packetCount   uint32
	minGap        time.Duration
	maxGap        time.Duration
	lastTimestamp time.Time
	lastSequence  uint32
	haltObserved  bool

	gapSamples uint32
	lostFrames uint32
	haltCount  uint32
}

// New returns statistics in their reset state.
func New() *StreamStatistics {
	s := &StreamStatistics{}
	s.Reset()
	return s
}

// Reset returns every field to its initial value.
func (s *StreamStatistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packetCount = 0
	s.minGap = MaxDuration
	s.maxGap = 0
	s.lastTimestamp = time.Time{}
	s.lastSequence = 0
	s.haltObserved = false
	s.gapSamples = 0
	s.lostFrames = 0
	s.haltCount = 0
}

// Observe records one matching packet. It returns a *FrameLossError when the
// sequence does not follow the previous one; the packet is still counted and
// its sequence becomes the new baseline. Sequence arithmetic wraps at 2^32, so
// 0xFFFFFFFF followed by 0 is not a loss.
func (s *StreamStatistics) Observe(ts time.Time, h frame.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.packetCount == 0 {
		// a halt here is counted but only seeds the baseline; the next gap is sampled
		s.lastTimestamp = ts
		s.lastSequence = h.Sequence
		s.packetCount = 1
		if h.Halt {
			s.haltCount = 1
		}
		return nil
	}

	// the gap after a halted frame spans a pause, not steady-state jitter
	if !s.haltObserved {
		gap := ts.Sub(s.lastTimestamp)
		if gap < s.minGap {
			s.minGap = gap
		}
		if gap > s.maxGap {
			s.maxGap = gap
		}
		s.gapSamples++
	}

	var err error
	if expected := s.lastSequence + 1; h.Sequence != expected {
		s.lostFrames++
		err = &FrameLossError{Expected: expected, Got: h.Sequence}
	}

	s.lastSequence = h.Sequence
	s.lastTimestamp = ts
	s.haltObserved = h.Halt
	if h.Halt {
		s.haltCount++
	}
	s.packetCount++
	return err
}

// Snapshot copies the current values under the lock.
func (s *StreamStatistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		PacketCount: s.packetCount,
		MinGap:      s.minGap,
		MaxGap:      s.maxGap,
		GapSamples:  s.gapSamples,
		LostFrames:  s.lostFrames,
		HaltCount:   s.haltCount,
	}
}
