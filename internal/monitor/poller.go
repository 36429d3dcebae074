// Package monitor polls the actuator for live temperature and field
// readings while no sweep is running.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/monitoring"
	"github.com/banshee-data/coupling.report/internal/timeutil"
)

var logf = monitoring.Component("monitor")

// DefaultInterval is the polling cadence.
const DefaultInterval = time.Second

// Snapshot is one pair of readings.
type Snapshot struct {
	Temperature device.Reading `json:"temperature"`
	Field       device.Reading `json:"field"`
	At          time.Time      `json:"at"`
	Error       string         `json:"error,omitempty"`
}

// Poller reads temperature then field on a ticker, with Gap between the
// two reads. It can be suspended while a sweep owns the actuator.
type Poller struct {
	port  device.ActuatorPort
	clock timeutil.Clock

	Interval time.Duration
	Gap      time.Duration
	// OnUpdate is called after every successful poll.
	OnUpdate func(Snapshot)

	pollMu sync.Mutex // held for the duration of a poll

	mu        sync.RWMutex
	latest    Snapshot
	suspended bool
}

// NewPoller creates a poller with the default interval and read gap.
func NewPoller(port device.ActuatorPort, clock timeutil.Clock) *Poller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Poller{
		port:     port,
		clock:    clock,
		Interval: DefaultInterval,
		Gap:      device.DefaultReadGap,
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	logf("polling every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if p.Suspended() {
				continue
			}
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				logf("poll failed: %v", err)
			}
		}
	}
}

// Poll takes one pair of readings. It is a no-op returning the previous
// snapshot while suspended.
func (p *Poller) Poll(ctx context.Context) (Snapshot, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()
	if p.Suspended() {
		return p.Latest(), nil
	}

	snap, err := p.read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Snapshot{}, err
		}
		p.mu.Lock()
		p.latest.Error = err.Error()
		p.mu.Unlock()
		return Snapshot{}, err
	}
	p.mu.Lock()
	p.latest = snap
	p.mu.Unlock()
	if p.OnUpdate != nil {
		p.OnUpdate(snap)
	}
	return snap, nil
}

func (p *Poller) read(ctx context.Context) (Snapshot, error) {
	temp, err := p.port.ReadCurrent(ctx, device.Temperature)
	if err != nil {
		return Snapshot{}, err
	}
	// Back-to-back reads of different quantities return mismatched replies.
	if err := timeutil.Wait(ctx, p.clock, p.Gap); err != nil {
		return Snapshot{}, err
	}
	field, err := p.port.ReadCurrent(ctx, device.Field)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Temperature: temp, Field: field, At: p.clock.Now()}, nil
}

// Suspend stops polling and waits for an in-flight poll to finish.
func (p *Poller) Suspend() {
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()

	p.pollMu.Lock()
	p.pollMu.Unlock() //nolint:staticcheck // waits out a poll in progress
	logf("suspended")
}

// Resume restarts polling on the next tick.
func (p *Poller) Resume() {
	p.mu.Lock()
	p.suspended = false
	p.mu.Unlock()
	logf("resumed")
}

// Suspended reports whether polling is suspended.
func (p *Poller) Suspended() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.suspended
}

// Latest returns the most recent snapshot.
func (p *Poller) Latest() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}
