// Package scheduler fires time rules: it polls due jobs, applies the
// presence gate, delivers the action and advances the job.
//
// The presence gate reads the state machine's committed snapshot. That view
// can lag reality by one presence interval plus the debounce window; a gated
// job evaluated inside that window sees the older state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"homepi/internal/eventbus"
	"homepi/internal/metrics"
	"homepi/internal/notify"
	"homepi/internal/rules"
	"homepi/internal/runtime/periodic"
	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

// Store is the job and person access the scheduler needs.
type Store interface {
	DueJobs(ctx context.Context, now time.Time) ([]storage.JobView, error)
	PendingJobsMissingNextRun(ctx context.Context) ([]storage.JobView, error)
	ClaimJob(ctx context.Context, jobID int64) (bool, error)
	RescheduleJob(ctx context.Context, jobID int64, next time.Time, ranAt *time.Time) error
	FinishJob(ctx context.Context, jobID int64, ranAt time.Time) error
	FailJob(ctx context.Context, jobID int64, ranAt time.Time, msg string) error
	FailInterruptedJobs(ctx context.Context, at time.Time) (int64, error)
	PersonByID(ctx context.Context, id int64) (storage.Person, error)
}

// Config defaults: interval 30s, send timeout 15s, play timeout 5m, local
// time zone.
type Config struct {
	Interval    time.Duration
	Location    *time.Location
	SendTimeout time.Duration
	PlayTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.PlayTimeout <= 0 {
		c.PlayTimeout = 5 * time.Minute
	}
	return c
}

// tickTimeout covers one due job end to end plus the store round trips.
func (c Config) tickTimeout() time.Duration {
	return c.Interval + c.SendTimeout + c.PlayTimeout
}

// job state writes get their own budget so a timed out tick never leaves a
// job running
const finalizeTimeout = 5 * time.Second

type Scheduler struct {
	store    Store
	notifier notify.Notifier
	player   notify.SoundPlayer
	presence notify.PresenceSnapshot
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Recorder

	tickMu sync.Mutex

	mu   sync.RWMutex
	cfg  Config
	loop *periodic.Loop
}

type Option func(*Scheduler)

func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

func WithMetrics(r *metrics.Recorder) Option { return func(s *Scheduler) { s.metrics = r } }

func New(cfg Config, store Store, notifier notify.Notifier, player notify.SoundPlayer, presence notify.PresenceSnapshot, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if player == nil {
		player = notify.Disabled{}
	}
	if presence == nil {
		presence = func() map[int64]storage.PresenceState { return nil }
	}
	s := &Scheduler{
		store:    store,
		notifier: notifier,
		player:   player,
		presence: presence,
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      eventbus.Nop{},
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Tick fires every job due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	started := time.Now()
	defer func() { s.metrics.ObserveTick("scheduler", time.Since(started)) }()

	due, err := s.store.DueJobs(ctx, now)
	if err != nil {
		s.log.Warn("due jobs query failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	cfg := s.config()
	var states map[int64]storage.PresenceState
	for _, jv := range due {
		if ctx.Err() != nil {
			s.log.Warn("tick deadline reached; remaining jobs wait for the next tick", logx.Err(ctx.Err()))
			return
		}
		if states == nil && jv.DecodeErr == nil && jv.Rule.Action.Gated() {
			states = s.presence()
			if states == nil {
				states = map[int64]storage.PresenceState{}
			}
		}
		s.runJob(ctx, cfg, jv, states, now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, cfg Config, jv storage.JobView, states map[int64]storage.PresenceState, now time.Time) {
	job, rule := jv.Job, jv.Rule
	log := s.log.With(logx.Int64("job_id", job.ID), logx.Int64("rule_id", rule.ID))

	if jv.DecodeErr != nil {
		// a rule that cannot be read can never fire
		if s.claim(ctx, log, job.ID) {
			s.fail(ctx, log, jv, now, jv.DecodeErr)
		}
		return
	}
	trig, ok := rule.Trigger.(rules.TimeTrigger)
	if !ok {
		if s.claim(ctx, log, job.ID) {
			s.fail(ctx, log, jv, now, fmt.Errorf("rule %d has a %s trigger", rule.ID, rule.Type()))
		}
		return
	}

	if act := rule.Action; act.Gated() && states[act.TargetPersonID] != storage.StateHome {
		s.gate(ctx, log, cfg, jv, trig, now)
		return
	}

	if !s.claim(ctx, log, job.ID) {
		return
	}

	if err := s.deliver(ctx, cfg, log, rule); err != nil {
		s.fail(ctx, log, jv, now, err)
		return
	}

	fctx, cancel := finalizeCtx(ctx)
	defer cancel()
	if trig.IsCron() {
		next, err := rules.NextCron(trig.Cron, now, cfg.Location)
		if err != nil {
			s.fail(ctx, log, jv, now, err)
			return
		}
		err = retryOnce(fctx, log, "reschedule", func(ctx context.Context) error {
			return s.store.RescheduleJob(ctx, job.ID, next, &now)
		})
		if err != nil {
			log.Error("job reschedule failed", logx.Err(err))
			return
		}
		log.Info("cron job fired", logx.Time("next_run", next))
	} else {
		err := retryOnce(fctx, log, "finish", func(ctx context.Context) error {
			return s.store.FinishJob(ctx, job.ID, now)
		})
		if err != nil {
			log.Error("job finish failed", logx.Err(err))
			return
		}
		log.Info("one-shot job fired")
	}
	s.metrics.Job("fired")
	s.publish(eventbus.JobFired, now, jv, nil)
}

// gate handles a due job whose target is not home. Cron jobs skip to their
// next occurrence; one-shot jobs stay due and are checked again next tick.
func (s *Scheduler) gate(ctx context.Context, log logx.Logger, cfg Config, jv storage.JobView, trig rules.TimeTrigger, now time.Time) {
	fields := []logx.Field{logx.Int64("target_person_id", jv.Rule.Action.TargetPersonID)}
	if trig.IsCron() {
		next, err := rules.NextCron(trig.Cron, now, cfg.Location)
		if err != nil {
			log.Warn("gated cron job has no next run", logx.Err(err))
			return
		}
		if err := s.store.RescheduleJob(ctx, jv.Job.ID, next, nil); err != nil {
			log.Warn("gated job reschedule failed", logx.Err(err))
			return
		}
		fields = append(fields, logx.Time("next_run", next))
	}
	log.Debug("job gated: target not home", fields...)
	s.metrics.Job("gated")
	s.publish(eventbus.JobGated, now, jv, nil)
}

func (s *Scheduler) claim(ctx context.Context, log logx.Logger, jobID int64) bool {
	ok, err := s.store.ClaimJob(ctx, jobID)
	if err != nil {
		log.Warn("job claim failed", logx.Err(err))
		return false
	}
	if !ok {
		log.Debug("job already claimed")
		s.metrics.Job("skipped")
	}
	return ok
}

func (s *Scheduler) fail(ctx context.Context, log logx.Logger, jv storage.JobView, now time.Time, cause error) {
	fctx, cancel := finalizeCtx(ctx)
	defer cancel()
	if err := s.store.FailJob(fctx, jv.Job.ID, now, cause.Error()); err != nil {
		log.Error("job fail update failed", logx.Err(err), logx.String("cause", cause.Error()))
		return
	}
	log.Warn("job failed", logx.Err(cause))
	s.metrics.Job("failed")
	s.publish(eventbus.JobFailed, now, jv, cause)
}

// deliver sends the text and then plays the sound. Only the text decides
// the outcome.
func (s *Scheduler) deliver(ctx context.Context, cfg Config, log logx.Logger, rule rules.Rule) error {
	act := rule.Action
	if act.Message != "" {
		text, err := s.compose(ctx, act)
		if err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = s.notifier.SendText(sctx, text)
		cancel()
		if err != nil {
			var de *rules.DeliveryError
			if !errors.As(err, &de) {
				err = &rules.DeliveryError{Channel: "text", Err: err}
			}
			return err
		}
	}
	if act.Sound != "" {
		pctx, cancel := context.WithTimeout(ctx, cfg.PlayTimeout)
		if err := s.player.Play(pctx, act.Sound); err != nil {
			log.Warn("sound failed; job outcome unaffected", logx.String("sound", act.Sound), logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *Scheduler) compose(ctx context.Context, act rules.Action) (string, error) {
	if !act.HasTarget() {
		return act.Message, nil
	}
	p, err := s.store.PersonByID(ctx, act.TargetPersonID)
	if err != nil {
		return "", fmt.Errorf("target person %d: %w", act.TargetPersonID, err)
	}
	return rules.ComposeText(rules.MentionToken(p.ExternalID), act.Message), nil
}

func (s *Scheduler) publish(typ string, now time.Time, jv storage.JobView, err error) {
	out := eventbus.JobOutcome{JobID: jv.Job.ID, RuleID: jv.Rule.ID, Cron: jv.Rule.Cron() != ""}
	if err != nil {
		out.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: out})
}

const retryPause = 250 * time.Millisecond

// retryOnce repeats a job state write after a short pause. A job left
// running after a delivered send is failed on the next start.
func retryOnce(ctx context.Context, log logx.Logger, what string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	log.Warn("job state write failed; retrying", logx.String("op", what), logx.Err(err))
	select {
	case <-time.After(retryPause):
	case <-ctx.Done():
		return err
	}
	return fn(ctx)
}

func finalizeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// Reconcile repairs job state left by a previous process: jobs stuck in
// running become failed, and pending jobs without a next run get one.
func (s *Scheduler) Reconcile(ctx context.Context, now time.Time) error {
	n, err := s.store.FailInterruptedJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	if n > 0 {
		s.log.Warn("jobs interrupted by restart marked failed", logx.Int64("count", n))
	}

	missing, err := s.store.PendingJobsMissingNextRun(ctx)
	if err != nil {
		return fmt.Errorf("pending jobs: %w", err)
	}
	loc := s.config().Location
	for _, jv := range missing {
		log := s.log.With(logx.Int64("job_id", jv.Job.ID), logx.Int64("rule_id", jv.Rule.ID))
		next, err := s.nextFor(jv, now, loc)
		if err != nil {
			if e := s.store.FailJob(ctx, jv.Job.ID, now, err.Error()); e != nil {
				log.Warn("job fail update failed", logx.Err(e))
			}
			log.Warn("job has no computable next run", logx.Err(err))
			continue
		}
		if err := s.store.RescheduleJob(ctx, jv.Job.ID, next, nil); err != nil {
			log.Warn("job reschedule failed", logx.Err(err))
			continue
		}
		log.Info("next run recomputed", logx.Time("next_run", next))
	}
	return nil
}

func (s *Scheduler) nextFor(jv storage.JobView, now time.Time, loc *time.Location) (time.Time, error) {
	if jv.DecodeErr != nil {
		return time.Time{}, jv.DecodeErr
	}
	trig, ok := jv.Rule.Trigger.(rules.TimeTrigger)
	if !ok {
		return time.Time{}, fmt.Errorf("rule %d has a %s trigger", jv.Rule.ID, jv.Rule.Type())
	}
	return rules.NextRun(trig, now, loc)
}

// Start reconciles and then ticks every Interval, beginning immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reconcile(ctx, time.Now()); err != nil {
		return err
	}
	s.mu.Lock()
	if s.loop != nil {
		s.mu.Unlock()
		return errors.New("scheduler: already started")
	}
	cfg := s.cfg
	s.loop = periodic.New("scheduler", cfg.Interval, s.Tick, s.log, periodic.WithTimeout(cfg.tickTimeout()))
	loop := s.loop
	s.mu.Unlock()

	s.log.Info("scheduler started", logx.Duration("interval", cfg.Interval), logx.String("tz", cfg.Location.String()))
	return loop.Start(ctx)
}

// Stop ends the loop after the in-flight tick.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	loop := s.loop
	s.loop = nil
	s.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.Stop(ctx)
}

func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	loop := s.loop
	s.mu.Unlock()
	if loop != nil {
		loop.Reset(cfg.Interval, cfg.tickTimeout())
	}
	s.log.Info("scheduler config applied",
		logx.Duration("interval", cfg.Interval),
		logx.String("tz", cfg.Location.String()),
		logx.Duration("send_timeout", cfg.SendTimeout),
		logx.Duration("play_timeout", cfg.PlayTimeout))
}

// Location is the zone cron expressions are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.config().Location }
