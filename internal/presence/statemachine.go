package presence

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"homepi/internal/eventbus"
	"homepi/internal/metrics"
	"homepi/internal/runtime/periodic"
	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

type Config struct {
	Interval        time.Duration
	Debounce        time.Duration
	HomeTTL         time.Duration
	TickTimeout     time.Duration // 0 means Interval
	ProviderTimeout time.Duration // capped at three quarters of the tick
}

// commitTimeout bounds one presence event append. It runs detached from the
// tick deadline so a slow provider cannot starve commits.
const commitTimeout = 5 * time.Second

// Directory is the store access the state machine needs.
type Directory interface {
	ListPeople(ctx context.Context) ([]storage.Person, error)
	LatestPresence(ctx context.Context, personID int64) (storage.PresenceEvent, bool, error)
	AppendPresenceEvent(ctx context.Context, personID int64, state storage.PresenceState, at time.Time) (storage.PresenceEvent, error)
}

// ArrivalFunc is called once per committed away to home transition.
type ArrivalFunc func(ctx context.Context, p storage.Person)

type tracked struct {
	person       storage.Person
	current      State
	lastSeen     time.Time // zero: never seen by this process
	pending      State     // "" when no transition is pending
	pendingSince time.Time
}

// PersonStatus is a read-only view of one tracked person.
type PersonStatus struct {
	Person       storage.Person
	State        State
	LastSeen     time.Time
	Pending      State
	PendingSince time.Time
}

type StateMachine struct {
	dir       Directory
	providers []Provider
	onArrival ArrivalFunc
	log       logx.Logger
	bus       eventbus.Bus
	metrics   *metrics.Recorder

	tickMu sync.Mutex // one tick at a time, including direct Tick calls

	mu     sync.RWMutex
	cfg    Config
	people map[int64]*tracked

	loop *periodic.Loop
}

type Option func(*StateMachine)

func WithBus(b eventbus.Bus) Option { return func(m *StateMachine) { m.bus = b } }

func WithMetrics(r *metrics.Recorder) Option { return func(m *StateMachine) { m.metrics = r } }

func NewStateMachine(cfg Config, dir Directory, providers []Provider, onArrival ArrivalFunc, log logx.Logger, opts ...Option) *StateMachine {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &StateMachine{
		dir:       dir,
		providers: providers,
		onArrival: onArrival,
		log:       log.With(logx.String("comp", "presence")),
		bus:       eventbus.Nop{},
		cfg:       cfg,
		people:    map[int64]*tracked{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Restore loads every known person with their last persisted state.
func (m *StateMachine) Restore(ctx context.Context) error {
	return m.syncPeople(ctx)
}

// syncPeople starts tracking people registered since the last call and
// refreshes display names of the others.
func (m *StateMachine) syncPeople(ctx context.Context) error {
	people, err := m.dir.ListPeople(ctx)
	if err != nil {
		return fmt.Errorf("list people: %w", err)
	}

	var fresh []storage.Person
	m.mu.Lock()
	for _, p := range people {
		if t, ok := m.people[p.ID]; ok {
			t.person = p
			continue
		}
		fresh = append(fresh, p)
	}
	m.mu.Unlock()

	for _, p := range fresh {
		state := Away
		ev, ok, err := m.dir.LatestPresence(ctx, p.ID)
		if err != nil {
			m.log.Warn("latest presence lookup failed", logx.Int64("person_id", p.ID), logx.Err(err))
		} else if ok {
			state = ev.State
		}
		m.mu.Lock()
		if _, dup := m.people[p.ID]; !dup {
			m.people[p.ID] = &tracked{person: p, current: state}
			m.log.Debug("tracking person", logx.Int64("person_id", p.ID), logx.String("state", string(state)))
		}
		m.mu.Unlock()
	}
	return nil
}

type commit struct {
	person   storage.Person
	from, to State
}

// Tick runs one evaluation at now: sync people, poll providers, update
// last-seen times, and advance each person's debounce.
func (m *StateMachine) Tick(ctx context.Context, now time.Time) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	started := time.Now()
	defer func() { m.metrics.ObserveTick("presence", time.Since(started)) }()

	if err := m.syncPeople(ctx); err != nil {
		m.log.Warn("people sync failed; using tracked set", logx.Err(err))
	}

	sightings := m.pollAll(ctx)

	m.mu.Lock()
	cfg := m.cfg
	for _, s := range sightings {
		t, ok := m.people[s.PersonID]
		if !ok {
			continue
		}
		if s.SeenAt.After(t.lastSeen) {
			t.lastSeen = s.SeenAt
		}
	}

	var ready []commit
	for _, t := range m.people {
		candidate := Away
		if !t.lastSeen.IsZero() && now.Sub(t.lastSeen) <= cfg.HomeTTL {
			candidate = Home
		}
		if candidate == t.current {
			t.pending, t.pendingSince = "", time.Time{}
			continue
		}
		if candidate != t.pending {
			t.pending, t.pendingSince = candidate, now
		}
		if now.Sub(t.pendingSince) >= cfg.Debounce {
			ready = append(ready, commit{person: t.person, from: t.current, to: candidate})
		}
	}
	m.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].person.ID < ready[j].person.ID })
	for _, c := range ready {
		m.commit(ctx, c, now)
	}
	m.updateGauges()
}

func (m *StateMachine) commit(ctx context.Context, c commit, now time.Time) {
	log := m.log.With(logx.Int64("person_id", c.person.ID), logx.String("name", c.person.Name))

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	// a failed append leaves the transition pending for the next tick
	if _, err := m.dir.AppendPresenceEvent(cctx, c.person.ID, c.to, now); err != nil {
		log.Warn("presence event append failed", logx.String("to", string(c.to)), logx.Err(err))
		return
	}

	m.mu.Lock()
	if t, ok := m.people[c.person.ID]; ok {
		t.current = c.to
		t.pending, t.pendingSince = "", time.Time{}
	}
	m.mu.Unlock()

	log.Info("presence changed", logx.String("from", string(c.from)), logx.String("to", string(c.to)))
	m.metrics.Transition(string(c.to))
	m.bus.Publish(eventbus.Event{
		Type: eventbus.PresenceTransition,
		Time: now,
		Data: eventbus.Transition{PersonID: c.person.ID, Name: c.person.Name, From: string(c.from), To: string(c.to)},
	})

	if c.from == Away && c.to == Home && m.onArrival != nil {
		m.onArrival(cctx, c.person)
	}
}

func (m *StateMachine) pollAll(ctx context.Context) []Sighting {
	if len(m.providers) == 0 {
		return nil
	}
	m.mu.RLock()
	timeout := m.providerTimeoutLocked()
	m.mu.RUnlock()

	results := make([][]Sighting, len(m.providers))
	var wg sync.WaitGroup
	for i, p := range m.providers {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			got, err := m.pollOne(pctx, p)
			m.metrics.ProviderPoll(p.Name(), len(got), err)
			if err != nil {
				perr := &ProviderError{Provider: p.Name(), Err: err}
				m.log.Warn("provider poll failed", logx.String("provider", p.Name()), logx.Err(perr))
				m.bus.Publish(eventbus.Event{Type: eventbus.ProviderFailed, Data: perr.Error()})
				return
			}
			results[i] = got
		}()
	}
	wg.Wait()

	var out []Sighting
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// pollOne calls p.Poll, converting a panic into an error.
func (m *StateMachine) pollOne(ctx context.Context, p Provider) (got []Sighting, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("provider panicked", logx.String("provider", p.Name()), logx.Stack(string(debug.Stack())))
			got, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	got, err = p.Poll(ctx)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// results that arrive after the deadline are dropped
		return nil, ctx.Err()
	}
	return got, err
}

// CurrentStates returns a copy of every tracked person's committed state.
func (m *StateMachine) CurrentStates() map[int64]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]State, len(m.people))
	for id, t := range m.people {
		out[id] = t.current
	}
	return out
}

// Snapshot returns tracked people ordered by id.
func (m *StateMachine) Snapshot() []PersonStatus {
	m.mu.RLock()
	out := make([]PersonStatus, 0, len(m.people))
	for _, t := range m.people {
		out = append(out, PersonStatus{
			Person:       t.person,
			State:        t.current,
			LastSeen:     t.lastSeen,
			Pending:      t.pending,
			PendingSince: t.pendingSince,
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Person.ID < out[j].Person.ID })
	return out
}

func (m *StateMachine) updateGauges() {
	m.mu.RLock()
	home := 0
	for _, t := range m.people {
		if t.current == Home {
			home++
		}
	}
	n := len(m.people)
	m.mu.RUnlock()
	m.metrics.PresenceGauges(n, home)
}

func (m *StateMachine) tickTimeoutLocked() time.Duration {
	if m.cfg.TickTimeout > 0 {
		return m.cfg.TickTimeout
	}
	return m.cfg.Interval
}

// providerTimeoutLocked leaves a quarter of the tick for commits. Zero
// means no per-provider bound.
func (m *StateMachine) providerTimeoutLocked() time.Duration {
	limit := m.tickTimeoutLocked() * 3 / 4
	if t := m.cfg.ProviderTimeout; t > 0 && t < limit {
		return t
	}
	return limit
}

// Start restores state and begins ticking every Interval.
func (m *StateMachine) Start(ctx context.Context) error {
	if err := m.Restore(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	if m.loop != nil {
		m.mu.Unlock()
		return errors.New("presence: already started")
	}
	m.loop = periodic.New("presence", m.cfg.Interval, func(ctx context.Context, now time.Time) {
		m.Tick(ctx, now)
	}, m.log, periodic.WithTimeout(m.tickTimeoutLocked()))
	loop := m.loop
	m.mu.Unlock()
	return loop.Start(ctx)
}

// Stop ends the loop; an in-flight tick completes first.
func (m *StateMachine) Stop(ctx context.Context) error {
	m.mu.Lock()
	loop := m.loop
	m.loop = nil
	m.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.Stop(ctx)
}

// Apply swaps timing parameters; a running loop picks up the new interval.
func (m *StateMachine) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	loop := m.loop
	timeout := m.tickTimeoutLocked()
	m.mu.Unlock()
	if loop != nil {
		loop.Reset(cfg.Interval, timeout)
	}
	m.log.Info("presence config applied",
		logx.Duration("interval", cfg.Interval),
		logx.Duration("debounce", cfg.Debounce),
		logx.Duration("home_ttl", cfg.HomeTTL))
}
