package device

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/coupling.report/internal/timeutil"
)

// DefaultReadGap is the minimum spacing between reads of different
// quantities on one actuator. Shorter gaps return stale or mismatched values.
const DefaultReadGap = 500 * time.Millisecond

// Guard serializes access to an ActuatorPort shared by the sweep and the
// status poller. Commands and reads are issued one at a time, and a read of
// a different quantity than the previous one waits until at least Gap has
// passed since that previous command.
//
// WaitUntilSettled is not held under the lock; adapters poll status through
// their own serialized transport. Those polls read the settling quantity, so
// it counts as the last access once the wait returns.
type Guard struct {
	port  ActuatorPort
	clock timeutil.Clock
	gap   time.Duration

	mu       sync.Mutex
	lastQ    Quantity
	lastAt   time.Time
	hasLastQ bool
}

// NewGuard wraps port. A non-positive gap uses DefaultReadGap; a nil clock
// uses the real clock.
func NewGuard(port ActuatorPort, clock timeutil.Clock, gap time.Duration) *Guard {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if gap <= 0 {
		gap = DefaultReadGap
	}
	return &Guard{port: port, clock: clock, gap: gap}
}

func (g *Guard) SetTarget(ctx context.Context, q Quantity, value, rate float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.spaceFrom(ctx, q); err != nil {
		return err
	}
	err := g.port.SetTarget(ctx, q, value, rate)
	g.mark(q)
	return err
}

func (g *Guard) WaitUntilSettled(ctx context.Context, q Quantity, delay, timeout time.Duration) error {
	err := g.port.WaitUntilSettled(ctx, q, delay, timeout)
	g.mu.Lock()
	g.mark(q)
	g.mu.Unlock()
	return err
}

func (g *Guard) ReadCurrent(ctx context.Context, q Quantity) (Reading, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.spaceFrom(ctx, q); err != nil {
		return Reading{}, err
	}
	r, err := g.port.ReadCurrent(ctx, q)
	g.mark(q)
	return r, err
}

// spaceFrom waits out the remainder of the gap when q differs from the
// previously accessed quantity. Caller holds g.mu.
func (g *Guard) spaceFrom(ctx context.Context, q Quantity) error {
	if !g.hasLastQ || g.lastQ == q {
		return ctx.Err()
	}
	remaining := g.gap - g.clock.Since(g.lastAt)
	return timeutil.Wait(ctx, g.clock, remaining)
}

// mark records q as the latest access. Caller holds g.mu.
func (g *Guard) mark(q Quantity) {
	g.lastQ = q
	g.lastAt = g.clock.Now()
	g.hasLastQ = true
}
