package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"OpenHome/Songshark-Go/internal/logger"
	"OpenHome/Songshark-Go/internal/stats"
)

// State is the lifecycle state of a Session.
//
//	Idle     -> Running   (Start)
//	Running  -> Stopping  (Stop)
//	Running  -> Idle      (source ended or device lost)
//	Stopping -> Idle      (capture goroutine acknowledged)
type State int32

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// run is one Start..Stop cycle. running and stopped are each closed exactly
// once by the capture goroutine.
type run struct {
	id       string
	device   Device
	filter   EndpointFilter
	strategy Strategy
	ctx      context.Context
	cancel   context.CancelFunc
	running  chan struct{}
	stopped  chan struct{}
}

// Session owns the capture goroutine and the statistics it feeds. The
// goroutine lives until Close and is parked whenever the session is Idle.
type Session struct {
	source Source
	stats  *stats.StreamStatistics
	opts   OpenOptions
	log    *logger.Logger

	mu      sync.Mutex
	state   State
	current *run
	lastErr error
	closed  bool

	start  chan *run
	quit   chan struct{}
	exited chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *logger.Logger) SessionOption {
	return func(s *Session) {
		s.log = l
	}
}

// WithOpenOptions sets the options used to open devices.
func WithOpenOptions(o OpenOptions) SessionOption {
	return func(s *Session) {
		s.opts = o.normalized()
	}
}

// WithStatistics uses an existing statistics instance.
func WithStatistics(st *stats.StreamStatistics) SessionOption {
	return func(s *Session) {
		s.stats = st
	}
}

// NewSession creates an Idle session and starts its capture goroutine.
func NewSession(src Source, opts ...SessionOption) *Session {
	s := &Session{
		source: src,
		opts:   DefaultOpenOptions(),
		state:  Idle,
		start:  make(chan *run, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.stats == nil {
		s.stats = stats.New()
	}
	if s.log == nil {
		s.log = logger.GetLogger()
	}
	go s.loop()
	return s
}

// Start hands a new run to the capture goroutine. It fails with
// ErrAlreadyRunning unless the session is Idle, and with ErrInvalidEndpoint
// unless filter is fully resolved. Statistics are reset before the run begins.
func (s *Session) Start(dev Device, filter EndpointFilter, strategy Strategy) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	if strategy == nil {
		return errors.New("no analysis strategy selected")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != Idle {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:       uuid.NewString()[:8],
		device:   dev,
		filter:   filter,
		strategy: strategy,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	s.stats.Reset()
	select {
	case s.start <- r:
	default:
		cancel()
		return ErrAlreadyRunning
	}

	s.current = r
	s.state = Running
	s.lastErr = nil
	s.log.Info("[session] run %s queued: %s on %s (%s)", r.id, strategy.Name(), dev, filter)
	return nil
}

// WaitRunning blocks until the capture goroutine has picked up the current
// run. If the run has already ended it returns the run's failure, if any.
func (s *Session) WaitRunning(ctx context.Context) error {
	s.mu.Lock()
	r, lastErr := s.current, s.lastErr
	s.mu.Unlock()
	if r == nil {
		return lastErr
	}
	select {
	case <-r.running:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the active run and blocks until the capture goroutine has left
// its receive loop. It returns immediately when the session is Idle.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.current
	if r == nil {
		s.mu.Unlock()
		return
	}
	if s.state == Running {
		s.state = Stopping
		s.log.Info("[session] stopping run %s", r.id)
	}
	r.cancel()
	s.mu.Unlock()

	<-r.stopped
}

// Close stops any active run and terminates the capture goroutine. The
// session cannot be started again.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Stop()

	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.exited
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the failure that ended the most recent run, wrapping
// ErrDeviceLost, or nil if it ended normally. It is cleared by Start.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// RunID returns the identifier of the active run, or "" when Idle.
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.id
}

// Snapshot returns a copy of the statistics of the current or last run.
func (s *Session) Snapshot() stats.Snapshot {
	return s.stats.Snapshot()
}

func (s *Session) loop() {
	defer close(s.exited)
	for {
		select {
		case <-s.quit:
			return
		case r := <-s.start:
			s.execute(r)
		}
	}
}

func (s *Session) execute(r *run) {
	close(r.running)

	err := r.strategy.Run(r.ctx, s.source, Target{
		Device:  r.device,
		Filter:  r.filter,
		Stats:   s.stats,
		Options: s.opts,
		Log:     s.log,
		RunID:   r.id,
	})

	snap := s.stats.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.lastErr = nil
		s.log.Info("[session] run %s ended: source exhausted after %d packets", r.id, snap.PacketCount)
	case errors.Is(err, ErrCaptureCancelled):
		s.lastErr = nil
		s.log.Info("[session] run %s stopped after %d packets", r.id, snap.PacketCount)
	default:
		if !errors.Is(err, ErrDeviceLost) {
			err = fmt.Errorf("%w: %v", ErrDeviceLost, err)
		}
		s.lastErr = err
		s.log.Error("[session] run %s failed: %v", r.id, err)
	}
	r.cancel()
	s.state = Idle
	s.current = nil
	close(r.stopped)
}
