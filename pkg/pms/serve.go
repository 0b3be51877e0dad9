package pms

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const drainPollInterval = 5 * time.Millisecond

// Serve runs the listener pools of both topics and the maintenance loops
// until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.responses.Run(ctx) })
	g.Go(func() error { return e.nodeEvents.Run(ctx) })
	if d := e.cfg.Engine.ReconcileInterval; d > 0 {
		g.Go(func() error {
			e.every(ctx, d, e.reconcile)
			return nil
		})
	}
	if d := e.cfg.Engine.OutputCleanupInterval; d > 0 {
		g.Go(func() error {
			e.every(ctx, d, e.cleanupOutputs)
			return nil
		})
	}
	e.logger.Info("engine serving")
	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) every(ctx context.Context, d time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (e *Engine) reconcile(ctx context.Context) {
	n, err := e.waits.Reconcile(ctx, e.cfg.Engine.ReconcileBatch)
	if err != nil {
		e.logger.WithError(err).Warn("wait reconciliation failed")
		return
	}
	if n > 0 {
		e.logger.Infof("reconciled %d waits", n)
	}
}

func (e *Engine) cleanupOutputs(ctx context.Context) {
	if _, err := e.outputs.DeleteExpired(ctx); err != nil {
		e.logger.WithError(err).Warn("output cleanup failed")
	}
}

// Drain processes response events and node events until no message is
// pending and no task is in flight. Response events are applied before the
// next batch of node events. Delayed messages are waited for, so ctx bounds
// the call. Drain must not run while Serve consumes the same queue.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		n, err := e.responses.ProcessOnce(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if n, err = e.nodeEvents.ProcessOnce(ctx); err != nil {
			return err
		}
		if n > 0 {
			continue
		}

		pending, err := e.pending(ctx)
		if err != nil {
			return err
		}
		if pending == 0 && e.tasks.InFlight() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}
