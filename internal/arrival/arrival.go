// Package arrival fires arrival rules when a person comes home.
package arrival

import (
	"context"
	"sync"
	"time"

	"homepi/internal/eventbus"
	"homepi/internal/metrics"
	"homepi/internal/notify"
	"homepi/internal/rules"
	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

type Store interface {
	ArrivalRules(ctx context.Context, personID int64) ([]rules.Rule, error)
	PersonByID(ctx context.Context, id int64) (storage.Person, error)
}

type Config struct {
	SendTimeout time.Duration // 0 means 15s
	PlayTimeout time.Duration // 0 means 5m
}

type Evaluator struct {
	store    Store
	notifier notify.Notifier
	player   notify.SoundPlayer
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Recorder

	mu  sync.RWMutex
	cfg Config

	inflight sync.WaitGroup
}

type Option func(*Evaluator)

func WithBus(b eventbus.Bus) Option { return func(e *Evaluator) { e.bus = b } }

func WithMetrics(r *metrics.Recorder) Option { return func(e *Evaluator) { e.metrics = r } }

func New(cfg Config, store Store, notifier notify.Notifier, player notify.SoundPlayer, log logx.Logger, opts ...Option) *Evaluator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if player == nil {
		player = notify.Disabled{}
	}
	e := &Evaluator{
		store:    store,
		notifier: notifier,
		player:   player,
		log:      log.With(logx.String("comp", "arrival")),
		bus:      eventbus.Nop{},
		cfg:      withDefaults(cfg),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func withDefaults(c Config) Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.PlayTimeout <= 0 {
		c.PlayTimeout = 5 * time.Minute
	}
	return c
}

func (e *Evaluator) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = withDefaults(cfg)
	e.mu.Unlock()
}

// OnArrival fires every enabled arrival rule of person. Each rule, and the
// message and sound of each rule, succeed or fail independently.
func (e *Evaluator) OnArrival(ctx context.Context, person storage.Person) {
	log := e.log.With(logx.Int64("person_id", person.ID), logx.String("name", person.Name))
	list, err := e.store.ArrivalRules(ctx, person.ID)
	if err != nil {
		log.Warn("arrival rules lookup failed", logx.Err(err))
		return
	}
	if len(list) == 0 {
		log.Debug("no arrival rules")
		return
	}

	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	for _, r := range list {
		err := e.fire(ctx, cfg, log.With(logx.Int64("rule_id", r.ID)), r)
		e.metrics.Arrival(err)
		out := eventbus.ArrivalOutcome{PersonID: person.ID, RuleID: r.ID}
		if err != nil {
			out.Err = err.Error()
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.ArrivalFired, Time: time.Now(), Data: out})
	}
}

// fire returns the first delivery error; both actions are always attempted.
func (e *Evaluator) fire(ctx context.Context, cfg Config, log logx.Logger, r rules.Rule) error {
	var first error
	act := r.Action
	if act.Message != "" {
		if err := e.send(ctx, cfg, act); err != nil {
			log.Warn("arrival message failed", logx.Err(err))
			first = err
		} else {
			log.Info("arrival message sent")
		}
	}
	if act.Sound != "" {
		pctx, cancel := context.WithTimeout(ctx, cfg.PlayTimeout)
		err := e.player.Play(pctx, act.Sound)
		cancel()
		if err != nil {
			log.Warn("arrival sound failed", logx.String("sound", act.Sound), logx.Err(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (e *Evaluator) send(ctx context.Context, cfg Config, act rules.Action) error {
	text := act.Message
	if act.HasTarget() {
		p, err := e.store.PersonByID(ctx, act.TargetPersonID)
		if err != nil {
			return &rules.DeliveryError{Channel: "text", Err: err}
		}
		text = rules.ComposeText(rules.MentionToken(p.ExternalID), act.Message)
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	return e.notifier.SendText(sctx, text)
}

// Async returns a callback that evaluates in the background, detached from
// the caller's cancellation, so a slow sound never holds up a presence tick.
// Wait drains pending evaluations.
func (e *Evaluator) Async() func(ctx context.Context, person storage.Person) {
	return func(ctx context.Context, person storage.Person) {
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			e.OnArrival(context.WithoutCancel(ctx), person)
		}()
	}
}

// Wait blocks until background evaluations finish or ctx is done.
func (e *Evaluator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
