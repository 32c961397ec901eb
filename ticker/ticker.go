// Package ticker runs a function on a fixed period and lets callers swap the
// period at runtime. Each (re)configuration owns a distinct handle: changing
// the period cancels the current registration and installs a new one, taking
// effect on the next tick. There is no catch-up for ticks that would have
// fired under the old period.
package ticker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"github.com/coder/quartz"
)

type Options struct {
	// Name labels the ticker in logs and in quartz mock matching.
	Name string
	// Period is the initial tick period. Must be positive.
	Period time.Duration
	// Func runs on every tick. A returned error is logged and does not stop
	// the ticker; the next scheduled tick still fires.
	Func func(ctx context.Context) error

	Logger slog.Logger
	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// Handle identifies one registration of the ticker. Reconfiguring produces a
// handle with a new generation.
type Handle struct {
	Generation int
	Period     time.Duration
}

// Ticker is an owned, reconfigurable periodic task. It does not tick until
// Start is called.
type Ticker struct {
	name  string
	fn    func(ctx context.Context) error
	log   slog.Logger
	clock quartz.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	period     time.Duration
	generation int
	started    bool
	closed     bool
	tickCancel context.CancelFunc
	waiter     quartz.Waiter
}

// New validates the options and returns an unstarted ticker.
func New(ctx context.Context, opts Options) (*Ticker, error) {
	if opts.Period <= 0 {
		return nil, xerrors.Errorf("period must be positive, got %v", opts.Period)
	}
	if opts.Func == nil {
		return nil, xerrors.New("tick func is required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Ticker{
		name:   opts.Name,
		fn:     opts.Func,
		log:    opts.Logger.With(slog.F("ticker", opts.Name)),
		clock:  opts.Clock,
		ctx:    ctx,
		cancel: cancel,
		period: opts.Period,
	}, nil
}

// Start begins ticking. The first tick fires one period from now.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed {
		return
	}
	t.started = true
	t.startLocked()
}

func (t *Ticker) startLocked() {
	t.generation++
	tickCtx, tickCancel := context.WithCancel(t.ctx)
	t.tickCancel = tickCancel
	t.waiter = t.clock.TickerFunc(tickCtx, t.period, t.tick, t.name)
}

func (t *Ticker) tick() error {
	if err := t.fn(t.ctx); err != nil && !xerrors.Is(err, context.Canceled) {
		t.log.Warn(t.ctx, "tick failed", slog.Error(err))
	}
	// Tick failures never stop the loop.
	return nil
}

// Handle returns the identifier of the current registration.
func (t *Ticker) Handle() Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Handle{Generation: t.generation, Period: t.period}
}

// Period returns the currently configured period.
func (t *Ticker) Period() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.period
}

// Reconfigure cancels the current registration and installs a new one at the
// given period, returning its handle. A non-positive period is rejected and
// the existing registration keeps running unchanged. Reconfigure does not
// interrupt a tick that is already executing.
func (t *Ticker) Reconfigure(period time.Duration) (Handle, error) {
	if period <= 0 {
		return Handle{}, xerrors.Errorf("period must be positive, got %v", period)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Handle{}, xerrors.New("ticker is closed")
	}

	t.period = period
	if !t.started {
		t.generation++
		return Handle{Generation: t.generation, Period: t.period}, nil
	}

	t.tickCancel()
	_ = t.waiter.Wait()
	t.startLocked()
	return Handle{Generation: t.generation, Period: t.period}, nil
}

// Close stops the ticker and waits for any in-flight tick to finish.
func (t *Ticker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	waiter := t.waiter
	t.mu.Unlock()

	t.cancel()
	if waiter != nil {
		_ = waiter.Wait()
	}
}
