package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyRunning is returned by Start while a run is in progress.
var ErrAlreadyRunning = errors.New("sweep already in progress")

// EventBuffer is the capacity of the runner event channel.
const EventBuffer = 64

// EventKind names a runner event.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventCancelled EventKind = "cancelled"
	EventFailed    EventKind = "failed"
)

// Event is emitted on the runner's event channel. Frame is set for
// progress events; Err for failures.
type Event struct {
	Kind  EventKind
	RunID string
	Frame *Frame
	State State
	Err   error
}

// Suspender is implemented by the status poller, which must not touch
// the actuator while a run owns it.
type Suspender interface {
	Suspend()
	Resume()
}

// Runner drives an Orchestrator in the background and reports progress
// and the terminal outcome as events.
type Runner struct {
	orch    *Orchestrator
	monitor Suspender
	events  chan Event

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner. deps.Sink, if set, still receives every
// frame; the runner additionally reports frames as progress events.
// monitor may be nil.
func NewRunner(deps Deps, monitor Suspender) *Runner {
	r := &Runner{
		monitor: monitor,
		events:  make(chan Event, EventBuffer),
	}
	deps.Sink = &progressSink{next: deps.Sink, r: r}
	r.orch = NewOrchestrator(deps)
	return r
}

// Events returns the event channel. Progress events are dropped when the
// channel is full; terminal events displace the oldest queued event.
func (r *Runner) Events() <-chan Event { return r.events }

// State returns the orchestrator snapshot.
func (r *Runner) State() State { return r.orch.State() }

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

func (r *Runner) runningLocked() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Start validates plan and runs it in a new goroutine. The status poller
// is suspended until the terminal event has been emitted.
func (r *Runner) Start(ctx context.Context, plan Plan) error {
	plan = plan.WithDefaults()
	if err := plan.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.runningLocked() {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	r.mu.Unlock()

	if r.monitor != nil {
		r.monitor.Suspend()
	}
	go func() {
		defer close(done)
		defer cancel()

		err := r.orch.Run(runCtx, plan)
		st := r.orch.State()
		ev := Event{RunID: st.RunID, State: st}
		switch st.Status {
		case StatusCompleted:
			ev.Kind = EventCompleted
		case StatusCancelled:
			ev.Kind = EventCancelled
		default:
			ev.Kind = EventFailed
			if err == nil {
				err = fmt.Errorf("run ended in status %s", st.Status)
			}
			ev.Err = err
		}
		r.emitTerminal(ev)

		if r.monitor != nil {
			r.monitor.Resume()
		}
	}()
	return nil
}

// Stop cancels the current run and blocks until it has exited. It is a
// no-op when idle.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the current run, if any, has exited.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Runner) emitProgress(f Frame) {
	ev := Event{Kind: EventProgress, RunID: f.RunID, Frame: &f, State: r.orch.State()}
	select {
	case r.events <- ev:
	default:
	}
}

func (r *Runner) emitTerminal(ev Event) {
	for {
		select {
		case r.events <- ev:
			return
		default:
		}
		select {
		case <-r.events:
		default:
		}
	}
}

type progressSink struct {
	next FrameSink
	r    *Runner
}

func (p *progressSink) Push(f Frame) {
	if p.next != nil {
		p.next.Push(f)
	}
	p.r.emitProgress(f)
}

// CommandKind names a runner command.
type CommandKind int

const (
	CommandStart CommandKind = iota
	CommandStop
)

// Command is sent to Serve. Reply, when set, receives the outcome of the
// command and must be buffered.
type Command struct {
	Kind  CommandKind
	Plan  Plan
	Reply chan<- error
}

// Serve executes commands until ctx is done, then stops any active run.
func (r *Runner) Serve(ctx context.Context, cmds <-chan Command) error {
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				r.Stop()
				return nil
			}
			var err error
			switch cmd.Kind {
			case CommandStart:
				err = r.Start(ctx, cmd.Plan)
			case CommandStop:
				r.Stop()
			default:
				err = fmt.Errorf("unknown command %d", cmd.Kind)
			}
			if cmd.Reply != nil {
				cmd.Reply <- err
			}
		}
	}
}
