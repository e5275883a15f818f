package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/gopacket"
)

// Strategy is the analysis performed on a device for one capture run.
// Run returns ErrCaptureCancelled when ctx is cancelled, nil when the source
// is exhausted, and an error wrapping ErrDeviceLost when the source fails.
type Strategy interface {
	Name() string
	Run(ctx context.Context, src Source, t Target) error
}

// Registry holds the strategies offered to users, in display order.
type Registry struct {
	strategies []Strategy
}

// NewRegistry returns a registry of the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies}
}

// DefaultRegistry offers raw throughput sampling and sequence analysis.
func DefaultRegistry() *Registry {
	return NewRegistry(NewRawThroughputStrategy(nil), NewSequenceAnalysisStrategy())
}

// Names lists strategy names in display order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Lookup finds a strategy by name, ignoring case.
func (r *Registry) Lookup(name string) (Strategy, error) {
	for _, s := range r.strategies {
		if strings.EqualFold(s.Name(), strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown analysis strategy %q (available: %s)", name, strings.Join(r.Names(), ", "))
}

// receive pulls packets from h in arrival order until ctx is cancelled or the
// source ends. The stop flag is checked before every read and again before
// every delivery. idle is called on read timeouts so periodic work still runs
// without traffic.
func receive(ctx context.Context, h Handle, deliver func(data []byte, ci gopacket.CaptureInfo), idle func(now time.Time)) error {
	for {
		if ctx.Err() != nil {
			return ErrCaptureCancelled
		}
		data, ci, err := h.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, ErrReadTimeout):
			if idle != nil {
				idle(time.Now())
			}
			continue
		case errors.Is(err, io.EOF):
			if ctx.Err() != nil {
				return ErrCaptureCancelled
			}
			return nil
		default:
			if ctx.Err() != nil {
				return ErrCaptureCancelled
			}
			return fmt.Errorf("%w: %v", ErrDeviceLost, err)
		}
		if ctx.Err() != nil {
			return ErrCaptureCancelled
		}
		deliver(data, ci)
	}
}

// open checks for cancellation before opening so a run stopped while pending
// never touches the device.
func open(ctx context.Context, src Source, t Target, opts OpenOptions) (Handle, error) {
	if ctx.Err() != nil {
		return nil, ErrCaptureCancelled
	}
	h, err := src.Open(t.Device, opts.normalized())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceLost, t.Device.Name, err)
	}
	return h, nil
}
