package capture

import (
	"context"
	"errors"

	"github.com/google/gopacket"

	"OpenHome/Songshark-Go/internal/frame"
	"OpenHome/Songshark-Go/internal/logger"
	"OpenHome/Songshark-Go/internal/stats"
)

// SequenceAnalysisStrategy decodes the stream header of every packet sent to
// the target endpoint and feeds the target's statistics.
type SequenceAnalysisStrategy struct {
	// UseKernelFilter installs the endpoint as a BPF filter when the source
	// supports it. Packets are matched in software either way.
	UseKernelFilter bool
}

// NewSequenceAnalysisStrategy returns the stream timing analyzer.
func NewSequenceAnalysisStrategy() *SequenceAnalysisStrategy {
	return &SequenceAnalysisStrategy{UseKernelFilter: true}
}

// Name implements Strategy.
func (s *SequenceAnalysisStrategy) Name() string {
	return "Timings"
}

// Run implements Strategy.
func (s *SequenceAnalysisStrategy) Run(ctx context.Context, src Source, t Target) error {
	log := t.Log
	if log == nil {
		log = logger.GetLogger()
	}

	opts := t.Options
	opts.Immediate = true
	h, err := open(ctx, src, t, opts)
	if err != nil {
		return err
	}
	defer h.Close()

	parser, err := newUDPParser(h.LinkType())
	if err != nil {
		return err
	}
	if s.UseKernelFilter {
		if err := h.SetBPFFilter(t.Filter.BPF()); err != nil {
			log.Debug("[capture %s] kernel filter unavailable, matching in software: %v", t.RunID, err)
		}
	}

	log.Info("[capture %s] listening on %s for %s", t.RunID, t.Device, t.Filter)

	var malformed uint64
	err = receive(ctx, h, func(data []byte, ci gopacket.CaptureInfo) {
		payload, ok := parser.match(data, t.Filter)
		if !ok {
			return
		}
		hdr, err := frame.Decode(payload)
		if err != nil {
			malformed++
			log.Warn("[capture %s] skipping packet: %v", t.RunID, err)
			return
		}
		if err := t.Stats.Observe(ci.Timestamp, hdr); err != nil {
			var loss *stats.FrameLossError
			if errors.As(err, &loss) {
				log.Warn("[capture %s] LOST FRAME before %d (expected %d)", t.RunID, loss.Got, loss.Expected)
			}
		}
		log.Debug("[capture %s] %s at %s", t.RunID, hdr, ci.Timestamp.Format("15:04:05.000000"))
	}, nil)

	if malformed > 0 {
		log.Info("[capture %s] %d malformed frames skipped", t.RunID, malformed)
	}
	return err
}
