package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of periodic background work.
type Task func(context.Context) error

// RunnerConfig configures a periodic runner.
type RunnerConfig struct {
	Interval   time.Duration
	RunOnStart bool
	Logger     *zap.Logger
}

// Runner invokes a task on a fixed interval from a single goroutine, so runs
// of the same task never overlap within the process.
type Runner struct {
	name       string
	task       Task
	interval   time.Duration
	runOnStart bool
	logger     *zap.Logger

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewRunner builds a runner for task. A non-positive interval disables the ticker,
// leaving only explicit Trigger calls.
func NewRunner(name string, task Task, cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{
		name:       name,
		task:       task,
		interval:   cfg.Interval,
		runOnStart: cfg.RunOnStart,
		logger:     cfg.Logger,
		trigger:    make(chan struct{}, 1),
	}
}

// Start launches the loop. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop()
	r.started = true
	r.logger.Sugar().Infow("runner started", "runner", r.name, "interval", r.interval.String())
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.started = false
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Sugar().Infow("runner stopped", "runner", r.name)
}

// Trigger requests an immediate run. Requests made while one is pending coalesce.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Runner) loop() {
	defer r.wg.Done()

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if r.runOnStart {
		r.run()
	}
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-tick:
			r.run()
		case <-r.trigger:
			r.run()
		}
	}
}

func (r *Runner) run() {
	start := time.Now()
	if err := r.task(r.ctx); err != nil {
		r.logger.Sugar().Warnw("runner task failed", "runner", r.name, "duration", time.Since(start).String(), "error", err)
		return
	}
	r.logger.Sugar().Debugw("runner task completed", "runner", r.name, "duration", time.Since(start).String())
}
