// Package liveview shows the sweep while it runs: the latest grid as a PNG
// heatmap and an interactive chart, the orchestrator state, and controls
// to stop or start a run.
package liveview

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/coupling.report/internal/monitoring"
	"github.com/banshee-data/coupling.report/internal/sweep"
)

var logf = monitoring.Component("liveview")

// Outcome is how the last run ended.
type Outcome struct {
	Kind  sweep.EventKind `json:"kind"`
	RunID string          `json:"run_id"`
	Error string          `json:"error,omitempty"`
	At    time.Time       `json:"at"`
}

// Buffer keeps the most recent frame. Push never blocks: a newer frame
// replaces the previous one whether or not anyone looked at it.
type Buffer struct {
	mu      sync.RWMutex
	frame   sweep.Frame
	version uint64
	outcome *Outcome
	changed chan struct{}
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{changed: make(chan struct{})}
}

var _ sweep.FrameSink = (*Buffer)(nil)

// Push stores f as the latest frame.
func (b *Buffer) Push(f sweep.Frame) {
	b.mu.Lock()
	b.frame = f
	b.version++
	b.notifyLocked()
	b.mu.Unlock()
}

func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Latest returns the current frame and its version. ok is false until the
// first frame arrives.
func (b *Buffer) Latest() (f sweep.Frame, version uint64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frame, b.version, b.version > 0
}

// Changed returns a channel closed at the next Push or outcome.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

// Outcome returns how the last run ended, if one has.
func (b *Buffer) Outcome() (Outcome, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.outcome == nil {
		return Outcome{}, false
	}
	return *b.outcome, true
}

// Consume drains runner events until ctx is done or events is closed,
// storing frames from progress events and recording terminal outcomes.
func (b *Buffer) Consume(ctx context.Context, events <-chan sweep.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.handle(ev)
		}
	}
}

func (b *Buffer) handle(ev sweep.Event) {
	switch ev.Kind {
	case sweep.EventProgress:
		if ev.Frame != nil {
			b.Push(*ev.Frame)
		}
		return
	case sweep.EventCompleted:
		logf("run %s completed: %d/%d points", ev.RunID, ev.State.PointsPersisted, ev.State.TotalPoints)
	case sweep.EventCancelled:
		logf("run %s cancelled after %d points", ev.RunID, ev.State.PointsPersisted)
	case sweep.EventFailed:
		logf("run %s failed: %v", ev.RunID, ev.Err)
	default:
		return
	}

	o := &Outcome{Kind: ev.Kind, RunID: ev.RunID, At: time.Now()}
	if ev.State.CompletedAt != nil {
		o.At = *ev.State.CompletedAt
	}
	if ev.Err != nil {
		o.Error = ev.Err.Error()
	}
	b.mu.Lock()
	b.outcome = o
	b.notifyLocked()
	b.mu.Unlock()
}
