package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/image-resize-api/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

var ErrPanic = errors.New("worker task panicked")

type Config struct {
	Concurrency int
	Timeout     time.Duration
}

// Pool runs CPU bound tasks on at most Concurrency goroutines at a time.
// Callers block in Do until their task finishes, their context ends or the
// configured timeout expires, whichever happens first.
type Pool struct {
	sem     *semaphore.Weighted
	size    int
	timeout time.Duration
	metrics *metrics
}

func NewPool(cfg Config, reg prometheus.Registerer) *Pool {
	size := max(1, cfg.Concurrency)
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    size,
		timeout: cfg.Timeout,
		metrics: newMetrics(reg),
	}
}

func (p *Pool) Size() int {
	return p.size
}

// Do hands task to a worker and waits for it. If the wait is abandoned the
// task keeps its slot until it returns; its context is cancelled so it can
// stop at the next checkpoint. Panics inside task are returned as ErrPanic.
func (p *Pool) Do(ctx context.Context, task func(ctx context.Context) error) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	waitStart := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.metrics.tasksTotal.WithLabelValues(outcomeRejected).Inc()
		return fmt.Errorf("acquire worker slot: %w", err)
	}
	p.metrics.waitDuration.Observe(time.Since(waitStart).Seconds())
	p.metrics.inFlight.Inc()

	done := make(chan error, 1)
	go func() {
		startedAt := time.Now()
		outcome := outcomeOK
		defer func() {
			p.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
			p.metrics.tasksTotal.WithLabelValues(outcome).Inc()
			p.metrics.inFlight.Dec()
			p.sem.Release(1)
		}()

		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() { err = task(ctx) })
		if recovered := catcher.Recovered(); recovered != nil {
			outcome = outcomePanic
			logging.FromContext(ctx).
				WithField("panic", fmt.Sprint(recovered.Value)).
				WithField("stack", string(recovered.Stack)).
				Error("worker task panicked")
			err = fmt.Errorf("%w: %v", ErrPanic, recovered.Value)
		} else if err != nil {
			outcome = outcomeError
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.metrics.tasksAbandoned.Inc()
		return fmt.Errorf("await worker task: %w", ctx.Err())
	}
}
