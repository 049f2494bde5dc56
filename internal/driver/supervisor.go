package driver

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DeviceState is the connection state of a supervised device.
type DeviceState int

const (
	StateStopped DeviceState = iota
	StateAttached
	StateDetached
	StateProbing
)

func (s DeviceState) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	case StateProbing:
		return "probing"
	default:
		return "stopped"
	}
}

// Device is hardware that can disappear at runtime, like an I2C expander on
// a loose header.
type Device interface {
	// Init prepares the device after it has been found.
	Init() error
	// Probe checks whether the device answers.
	Probe() error
	// Serve reads the device until ctx is done or the device fails.
	Serve(ctx context.Context) error
}

// Supervisor keeps a Device running across detach and reattach:
// Attached -> Detached -> Probing -> Attached. Probing backs off from
// ProbeInterval up to MaxProbeInterval.
type Supervisor struct {
	Device           Device
	ProbeInterval    time.Duration
	MaxProbeInterval time.Duration
	Logger           *slog.Logger

	// OnReattach runs every time the device is found again.
	OnReattach func()

	mu    sync.Mutex
	state DeviceState
}

// State returns the current device state.
func (s *Supervisor) State() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Run supervises the device until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := s.ProbeInterval
	if interval <= 0 {
		interval = time.Second
	}
	maxInterval := s.MaxProbeInterval
	if maxInterval < interval {
		maxInterval = interval
	}

	defer s.setState(StateStopped)

	for ctx.Err() == nil {
		if err := s.Device.Init(); err != nil {
			logger.Warn("device init failed", "error", err)
		} else {
			s.setState(StateAttached)
			err = s.Device.Serve(ctx)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("device detached", "error", err)
		}
		s.setState(StateDetached)

		if !s.probe(ctx, interval, maxInterval) {
			return
		}
		logger.Warn("device reattached")
		if s.OnReattach != nil {
			s.OnReattach()
		}
	}
}

// probe waits until the device answers. It returns false if ctx ends first.
func (s *Supervisor) probe(ctx context.Context, interval, maxInterval time.Duration) bool {
	s.setState(StateProbing)
	wait := interval
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if err := s.Device.Probe(); err == nil {
			return true
		}
		wait *= 2
		if wait > maxInterval {
			wait = maxInterval
		}
	}
}
