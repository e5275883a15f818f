// Package controller is the boundary between a user interface and the capture
// session: adapter selection, endpoint entry, start/stop and statistics polling.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"OpenHome/Songshark-Go/internal/capture"
	"OpenHome/Songshark-Go/internal/logger"
)

var (
	// ErrNoAdapterSelected rejects Start with an index outside the adapter list.
	ErrNoAdapterSelected = errors.New("no adapter selected")
	// ErrNoEndpointSet rejects Start before a valid endpoint was entered.
	ErrNoEndpointSet = errors.New("no endpoint set")

	ErrAlreadyRunning  = capture.ErrAlreadyRunning
	ErrInvalidEndpoint = capture.ErrInvalidEndpoint
	ErrDeviceLost      = capture.ErrDeviceLost
)

// DefaultStrategy is selected until SelectStrategy is called.
const DefaultStrategy = "Timings"

// Statistics is what a UI renders on each poll.
type Statistics struct {
	PacketCount  uint32
	MinGapMillis float64
	MaxGapMillis float64
	LostFrames   uint32
	State        capture.State
}

func (s Statistics) String() string {
	return fmt.Sprintf("packets=%d lost=%d gap_min=%.3fms gap_max=%.3fms state=%s",
		s.PacketCount, s.LostFrames, s.MinGapMillis, s.MaxGapMillis, s.State)
}

// Backend is a packet source that can also enumerate its devices.
type Backend interface {
	capture.Source
	capture.DeviceLister
}

// Option configures a Controller.
type Option func(*Controller)

// WithRegistry replaces the default strategy registry.
func WithRegistry(r *capture.Registry) Option {
	return func(c *Controller) {
		c.registry = r
	}
}

// WithSessionOptions forwards options to the capture session.
func WithSessionOptions(opts ...capture.SessionOption) Option {
	return func(c *Controller) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// WithStartTimeout bounds how long Start waits for the capture goroutine.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.startTimeout = d
	}
}

// Controller is safe for concurrent use.
type Controller struct {
	backend      Backend
	session      *capture.Session
	registry     *capture.Registry
	sessionOpts  []capture.SessionOption
	startTimeout time.Duration
	log          *logger.Logger

	mu       sync.Mutex
	adapters []capture.Device
	endpoint *capture.EndpointFilter
	strategy capture.Strategy
}

// New creates a controller with an Idle session over backend.
func New(backend Backend, opts ...Option) *Controller {
	c := &Controller{
		backend:      backend,
		registry:     capture.DefaultRegistry(),
		startTimeout: 5 * time.Second,
		log:          logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.session = capture.NewSession(backend, c.sessionOpts...)
	if s, err := c.registry.Lookup(DefaultStrategy); err == nil {
		c.strategy = s
	}
	return c
}

// ListAdapters refreshes the adapter list and returns the descriptions in
// enumeration order. Start indexes into this list.
func (c *Controller) ListAdapters() ([]string, error) {
	devices, err := c.backend.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list adapters: %w", err)
	}
	c.mu.Lock()
	c.adapters = devices
	c.mu.Unlock()

	names := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.Description != "" {
			names = append(names, d.Description)
		} else {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// FindAdapter returns the index of the adapter whose device name or
// description equals name, ignoring case.
func (c *Controller) FindAdapter(name string) (int, error) {
	if _, err := c.ListAdapters(); err != nil {
		return -1, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	name = strings.TrimSpace(name)
	for i, d := range c.adapters {
		if strings.EqualFold(d.Name, name) || strings.EqualFold(d.Description, name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: no adapter named %q", ErrNoAdapterSelected, name)
}

// SetEndpoint sets the destination to filter on. On failure the previous
// endpoint is cleared.
func (c *Controller) SetEndpoint(address string, port int) error {
	f, err := capture.NewEndpointFilter(address, port)
	return c.setEndpoint(f, err)
}

// SetEndpointString is SetEndpoint for "address:port" input.
func (c *Controller) SetEndpointString(s string) error {
	f, err := capture.ParseEndpoint(s)
	return c.setEndpoint(f, err)
}

func (c *Controller) setEndpoint(f capture.EndpointFilter, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.endpoint = nil
		return err
	}
	c.endpoint = &f
	return nil
}

// Endpoint returns the current endpoint, if one is set.
func (c *Controller) Endpoint() (capture.EndpointFilter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoint == nil {
		return capture.EndpointFilter{}, false
	}
	return *c.endpoint, true
}

// Strategies lists the selectable analysis strategies.
func (c *Controller) Strategies() []string {
	return c.registry.Names()
}

// SelectStrategy picks the analysis used by the next Start.
func (c *Controller) SelectStrategy(name string) error {
	s, err := c.registry.Lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.strategy = s
	c.mu.Unlock()
	return nil
}

// Start begins capturing on the adapter at adapterIndex in the last
// ListAdapters result and returns once the capture goroutine is running.
func (c *Controller) Start(adapterIndex int) error {
	c.mu.Lock()
	if c.adapters == nil {
		c.mu.Unlock()
		if _, err := c.ListAdapters(); err != nil {
			return err
		}
		c.mu.Lock()
	}
	if adapterIndex < 0 || adapterIndex >= len(c.adapters) {
		n := len(c.adapters)
		c.mu.Unlock()
		return fmt.Errorf("%w: index %d of %d adapters", ErrNoAdapterSelected, adapterIndex, n)
	}
	if c.endpoint == nil {
		c.mu.Unlock()
		return ErrNoEndpointSet
	}
	dev, filter, strategy := c.adapters[adapterIndex], *c.endpoint, c.strategy
	c.mu.Unlock()

	if err := c.session.Start(dev, filter, strategy); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.startTimeout)
	defer cancel()
	if err := c.session.WaitRunning(ctx); err != nil {
		return fmt.Errorf("capture did not start: %w", err)
	}
	c.log.Info("[controller] capturing %s on %s", filter, dev)
	return nil
}

// Stop ends the active capture and waits for it to finish. Safe to call
// when nothing is running.
func (c *Controller) Stop() {
	c.session.Stop()
}

// State returns the session state.
func (c *Controller) State() capture.State {
	return c.session.State()
}

// RunID identifies the active capture run in log output.
func (c *Controller) RunID() string {
	return c.session.RunID()
}

// Err returns the device failure that ended the last run, or nil.
func (c *Controller) Err() error {
	return c.session.LastError()
}

// PollStatistics returns the current statistics in any state. Gap fields are
// zero until at least one gap was measured.
func (c *Controller) PollStatistics() Statistics {
	snap := c.session.Snapshot()
	out := Statistics{
		PacketCount: snap.PacketCount,
		LostFrames:  snap.LostFrames,
		State:       c.session.State(),
	}
	if snap.HasGaps() {
		out.MinGapMillis = millis(snap.MinGap)
		out.MaxGapMillis = millis(snap.MaxGap)
	}
	return out
}

// Close stops any capture and releases the session goroutine.
func (c *Controller) Close() {
	c.session.Close()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
