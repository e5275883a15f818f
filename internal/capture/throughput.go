package capture

import (
	"context"
	"time"

	"github.com/google/gopacket"

	"OpenHome/Songshark-Go/internal/logger"
)

// ThroughputSample is one rate measurement over the interval ending at Timestamp.
type ThroughputSample struct {
	Timestamp        time.Time
	Interval         time.Duration
	BitsPerSecond    float64
	PacketsPerSecond float64
}

// throughputSampler turns cumulative byte and packet counters into rates.
// The first offer only records a baseline.
type throughputSampler struct {
	interval    time.Duration
	next        time.Time
	prev        time.Time
	prevBytes   uint64
	prevPackets uint64
	primed      bool
}

func (s *throughputSampler) offer(now time.Time, bytes, packets uint64) (ThroughputSample, bool) {
	if !s.next.IsZero() && now.Before(s.next) {
		return ThroughputSample{}, false
	}
	s.next = now.Add(s.interval)

	prev, prevBytes, prevPackets := s.prev, s.prevBytes, s.prevPackets
	s.prev, s.prevBytes, s.prevPackets = now, bytes, packets

	if !s.primed {
		s.primed = true
		return ThroughputSample{}, false
	}
	elapsed := now.Sub(prev)
	if elapsed <= 0 {
		return ThroughputSample{}, false
	}
	secs := elapsed.Seconds()
	return ThroughputSample{
		Timestamp:        now,
		Interval:         elapsed,
		BitsPerSecond:    float64(bytes-prevBytes) * 8 / secs,
		PacketsPerSecond: float64(packets-prevPackets) / secs,
	}, true
}

// RawThroughputStrategy samples UDP bits/s and packets/s on a device without
// inspecting payloads.
type RawThroughputStrategy struct {
	// Interval between samples
	Interval time.Duration
	// SnapLen keeps captures small since payloads are never read
	SnapLen int
	// OnSample receives every sample after the first; may be nil
	OnSample func(ThroughputSample)
}

// NewRawThroughputStrategy samples once a second.
func NewRawThroughputStrategy(onSample func(ThroughputSample)) *RawThroughputStrategy {
	return &RawThroughputStrategy{
		Interval: time.Second,
		SnapLen:  100,
		OnSample: onSample,
	}
}

// Name implements Strategy.
func (s *RawThroughputStrategy) Name() string {
	return "Udp"
}

// Run implements Strategy.
func (s *RawThroughputStrategy) Run(ctx context.Context, src Source, t Target) error {
	log := t.Log
	if log == nil {
		log = logger.GetLogger()
	}

	opts := t.Options
	opts.SnapLen = s.SnapLen
	opts.Promiscuous = true
	h, err := open(ctx, src, t, opts)
	if err != nil {
		return err
	}
	defer h.Close()

	parser, err := newUDPParser(h.LinkType())
	if err != nil {
		return err
	}
	if err := h.SetBPFFilter("udp"); err != nil {
		log.Debug("[capture %s] kernel filter unavailable, counting UDP in software: %v", t.RunID, err)
	}

	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	sampler := &throughputSampler{interval: interval}
	var bytes, packets uint64

	emit := func(now time.Time) {
		sample, ok := sampler.offer(now, bytes, packets)
		if !ok {
			return
		}
		log.Info("[capture %s] %s BPS: %.0f PPS: %.1f", t.RunID, sample.Timestamp.Format(time.RFC3339), sample.BitsPerSecond, sample.PacketsPerSecond)
		if s.OnSample != nil {
			s.OnSample(sample)
		}
	}

	log.Info("[capture %s] sampling UDP throughput on %s every %v", t.RunID, t.Device, interval)

	return receive(ctx, h, func(data []byte, ci gopacket.CaptureInfo) {
		if parser.decode(data) {
			packets++
			if ci.Length > 0 {
				bytes += uint64(ci.Length)
			} else {
				bytes += uint64(len(data))
			}
		}
		emit(ci.Timestamp)
	}, emit)
}
