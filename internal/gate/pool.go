package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Handler runs one pass for a path.
type Handler func(ctx context.Context, key string)

// Pauser is the pause point consulted between passes.
type Pauser interface {
	WaitIfPaused(ctx context.Context) error
}

// Pool drains a Gate with a fixed number of workers.
type Pool struct {
	Gate    *Gate
	Workers int
	Handler Handler
	Pauser  Pauser
	Logger  *slog.Logger

	// OnPanic, when set, receives the value of a recovered panic. It runs
	// inside the deferred recover so it may capture the stack.
	OnPanic func(key string, recovered any)
}

// Run starts the workers and blocks until ctx is done. A pass already in
// progress when ctx is cancelled runs to completion.
func (p *Pool) Run(ctx context.Context) error {
	if p.Gate == nil || p.Handler == nil {
		return errors.New("gate: pool requires a gate and a handler")
	}
	n := p.Workers
	if n < 1 {
		n = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return p.work(gctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context) error {
	for {
		if p.Pauser != nil {
			if err := p.Pauser.WaitIfPaused(ctx); err != nil {
				return err
			}
		}
		key, err := p.Gate.Next(ctx)
		if err != nil {
			return err
		}
		p.run(ctx, key)
	}
}

func (p *Pool) run(ctx context.Context, key string) {
	defer p.Gate.Done(key)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if p.Logger != nil {
			p.Logger.Error("pass panicked", "path", key, "panic", fmt.Sprint(r))
		}
		if p.OnPanic != nil {
			p.OnPanic(key, r)
		}
	}()
	p.Handler(ctx, key)
}
