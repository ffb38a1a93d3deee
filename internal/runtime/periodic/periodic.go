// Package periodic runs a function on a fixed interval on top of a
// robfig/cron scheduler. Overlapping runs are skipped and panics are
// recovered by the cron job chain.
package periodic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "homepi/pkg/logx"
)

// Func is one tick. ctx carries the per-tick timeout.
type Func func(ctx context.Context, now time.Time)

type Loop struct {
	name string
	fn   Func
	log  logx.Logger
	now  func() time.Time

	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration
	base     context.Context
	c        *cron.Cron
	entry    cron.EntryID
	job      cron.Job
	first    sync.WaitGroup
}

type Option func(*Loop)

// WithTimeout bounds each tick. Zero means the interval.
func WithTimeout(d time.Duration) Option { return func(l *Loop) { l.timeout = d } }

func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

func New(name string, interval time.Duration, fn Func, log logx.Logger, opts ...Option) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		name:     name,
		fn:       fn,
		log:      log.With(logx.String("loop", name)),
		now:      time.Now,
		interval: interval,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start runs the first tick immediately, then one every interval. Tick
// contexts derive from ctx.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil {
		return errors.New(l.name + ": already started")
	}
	if l.interval <= 0 {
		return errors.New(l.name + ": interval must be positive")
	}

	clog := logx.CronLogger(l.log)
	l.base = ctx
	l.c = cron.New(cron.WithLogger(clog))
	// one wrapped job shared by the immediate run and the schedule, so
	// SkipIfStillRunning covers both
	l.job = cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(l.tick))
	l.entry = l.c.Schedule(cron.Every(l.interval), l.job)
	l.c.Start()

	l.first.Add(1)
	go func() {
		defer l.first.Done()
		l.job.Run()
	}()
	l.log.Info("loop started", logx.Duration("interval", l.interval))
	return nil
}

// Reset changes the interval and tick timeout of a running loop.
func (l *Loop) Reset(interval, timeout time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if interval <= 0 {
		return
	}
	l.timeout = timeout
	if interval == l.interval || l.c == nil {
		l.interval = interval
		return
	}
	l.interval = interval
	l.c.Remove(l.entry)
	l.entry = l.c.Schedule(cron.Every(interval), l.job)
	l.log.Info("loop interval changed", logx.Duration("interval", interval))
}

// Stop halts future ticks and waits for the in-flight one, bounded by ctx.
// The running tick is not cancelled.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	c := l.c
	l.c = nil
	l.mu.Unlock()
	if c == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		l.first.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.log.Info("loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) tick() {
	l.mu.Lock()
	base, timeout := l.base, l.timeout
	if timeout <= 0 {
		timeout = l.interval
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	l.fn(ctx, l.now())
}
