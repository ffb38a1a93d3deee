package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homepi/internal/eventbus"
	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

type fakeDir struct {
	mu        sync.Mutex
	people    []storage.Person
	latest    map[int64]storage.PresenceState
	events    []storage.PresenceEvent
	appendErr error
}

func newFakeDir(people ...storage.Person) *fakeDir {
	return &fakeDir{people: people, latest: map[int64]storage.PresenceState{}}
}

func (d *fakeDir) ListPeople(ctx context.Context) ([]storage.Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]storage.Person(nil), d.people...), nil
}

func (d *fakeDir) LatestPresence(ctx context.Context, id int64) (storage.PresenceEvent, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.latest[id]
	return storage.PresenceEvent{PersonID: id, State: st}, ok, nil
}

func (d *fakeDir) AppendPresenceEvent(ctx context.Context, id int64, st storage.PresenceState, at time.Time) (storage.PresenceEvent, error) {
	if err := ctx.Err(); err != nil {
		return storage.PresenceEvent{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.appendErr != nil {
		return storage.PresenceEvent{}, d.appendErr
	}
	ev := storage.PresenceEvent{ID: int64(len(d.events) + 1), PersonID: id, State: st, At: at}
	d.events = append(d.events, ev)
	d.latest[id] = st
	return ev, nil
}

// scripted returns whatever the test put in next.
type scripted struct {
	name string
	mu   sync.Mutex
	next []Sighting
	err  error
}

func (p *scripted) Name() string { return p.name }

func (p *scripted) Poll(ctx context.Context) ([]Sighting, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next, p.err
}

func (p *scripted) set(s []Sighting, err error) {
	p.mu.Lock()
	p.next, p.err = s, err
	p.mu.Unlock()
}

type panicky struct{}

func (panicky) Name() string                             { return "panicky" }
func (panicky) Poll(context.Context) ([]Sighting, error) { panic("bad provider") }

func sec(n int64) time.Time { return time.Unix(n, 0) }

type arrivals struct {
	mu    sync.Mutex
	names []string
}

func (a *arrivals) fn(ctx context.Context, p storage.Person) {
	a.mu.Lock()
	a.names = append(a.names, p.Name)
	a.mu.Unlock()
}

func (a *arrivals) got() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.names...)
}

func TestArrivalCommitsAfterDebounce(t *testing.T) {
	t.Parallel()

	alice := storage.Person{ID: 1, Name: "alice", ExternalID: "u1"}
	dir := newFakeDir(alice)
	prov := &scripted{name: "ping"}
	var arr arrivals
	m := NewStateMachine(Config{HomeTTL: 180 * time.Second, Debounce: 60 * time.Second}, dir, []Provider{prov}, arr.fn, logx.Nop())
	require.NoError(t, m.Restore(context.Background()))

	ctx := context.Background()
	prov.set([]Sighting{{PersonID: 1, SeenAt: sec(0)}}, nil)
	m.Tick(ctx, sec(0))
	require.Equal(t, Away, m.CurrentStates()[1])
	require.Empty(t, arr.got())

	prov.set([]Sighting{{PersonID: 1, SeenAt: sec(60)}}, nil)
	m.Tick(ctx, sec(60))
	require.Equal(t, Home, m.CurrentStates()[1])
	require.Equal(t, []string{"alice"}, arr.got())
	require.Len(t, dir.events, 1)
	require.Equal(t, int64(60), dir.events[0].At.Unix())

	// staying home never re-notifies
	m.Tick(ctx, sec(120))
	require.Len(t, arr.got(), 1)
}

func TestDepartureDoesNotNotify(t *testing.T) {
	t.Parallel()

	dir := newFakeDir(storage.Person{ID: 1, Name: "alice"})
	dir.latest[1] = Home
	var arr arrivals
	m := NewStateMachine(Config{HomeTTL: 180 * time.Second, Debounce: 60 * time.Second}, dir, nil, arr.fn, logx.Nop())
	require.NoError(t, m.Restore(context.Background()))
	require.Equal(t, Home, m.CurrentStates()[1])

	ctx := context.Background()
	m.Tick(ctx, sec(1000)) // never seen: candidate away, pending from 1000
	require.Equal(t, Home, m.CurrentStates()[1])
	m.Tick(ctx, sec(1059))
	require.Equal(t, Home, m.CurrentStates()[1])
	m.Tick(ctx, sec(1060))
	require.Equal(t, Away, m.CurrentStates()[1])
	require.Empty(t, arr.got())
}

func TestFlappingRestartsDebounce(t *testing.T) {
	t.Parallel()

	dir := newFakeDir(storage.Person{ID: 1, Name: "alice"})
	prov := &scripted{name: "ble"}
	var arr arrivals
	m := NewStateMachine(Config{HomeTTL: 30 * time.Second, Debounce: 60 * time.Second}, dir, []Provider{prov}, arr.fn, logx.Nop())
	ctx := context.Background()

	prov.set([]Sighting{{PersonID: 1, SeenAt: sec(100)}}, nil)
	m.Tick(ctx, sec(100)) // pending home since 100
	prov.set(nil, nil)
	m.Tick(ctx, sec(140)) // ttl expired: candidate away == current, pending cleared
	prov.set([]Sighting{{PersonID: 1, SeenAt: sec(150)}}, nil)
	m.Tick(ctx, sec(150)) // pending home since 150
	m.Tick(ctx, sec(170))
	require.Equal(t, Away, m.CurrentStates()[1])

	prov.set([]Sighting{{PersonID: 1, SeenAt: sec(210)}}, nil)
	m.Tick(ctx, sec(210))
	require.Equal(t, Home, m.CurrentStates()[1])
	require.Equal(t, []string{"alice"}, arr.got())
}

func TestNoCommitBeforeDebounceWindow(t *testing.T) {
	t.Parallel()

	dir := newFakeDir(storage.Person{ID: 1, Name: "alice"})
	prov := &scripted{name: "ping"}
	debounce := 45 * time.Second
	m := NewStateMachine(Config{HomeTTL: 30 * time.Second, Debounce: debounce}, dir, []Provider{prov}, nil, logx.Nop())
	ctx := context.Background()

	// sightings toggle irregularly; every commit must satisfy the window
	seen := []bool{true, true, false, false, false, true, false, true, true, true, true, false, false, false, false, false}
	for i, on := range seen {
		now := sec(int64(i * 20))
		if on {
			prov.set([]Sighting{{PersonID: 1, SeenAt: now}}, nil)
		} else {
			prov.set(nil, nil)
		}
		before := m.Snapshot()
		m.Tick(ctx, now)
		after := m.CurrentStates()[1]

		if len(before) == 0 || before[0].State == after {
			continue
		}
		since := now
		if before[0].Pending == after {
			since = before[0].PendingSince
		}
		require.GreaterOrEqual(t, now.Sub(since), debounce, "commit at %d", now.Unix())
	}
	require.NotEmpty(t, dir.events)
}

func TestProviderFailureIsIsolated(t *testing.T) {
	t.Parallel()

	dir := newFakeDir(storage.Person{ID: 1, Name: "alice"}, storage.Person{ID: 2, Name: "bob"})
	good := &scripted{name: "ping"}
	bad := &scripted{name: "ble"}
	bad.set([]Sighting{{PersonID: 2, SeenAt: sec(0)}}, errors.New("adapter down"))
	good.set([]Sighting{{PersonID: 1, SeenAt: sec(0)}, {PersonID: 99, SeenAt: sec(0)}}, nil)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var arr arrivals
	m := NewStateMachine(Config{HomeTTL: time.Minute}, dir, []Provider{good, bad, panicky{}}, arr.fn, logx.Nop(), WithBus(bus))
	m.Tick(context.Background(), sec(0))

	states := m.CurrentStates()
	require.Equal(t, Home, states[1])
	require.Equal(t, Away, states[2])
	_, tracked := states[99]
	require.False(t, tracked)
	require.Equal(t, []string{"alice"}, arr.got())

	var failed, transitions int
	for len(events) > 0 {
		switch (<-events).Type {
		case eventbus.ProviderFailed:
			failed++
		case eventbus.PresenceTransition:
			transitions++
		}
	}
	require.Equal(t, 2, failed)
	require.Equal(t, 1, transitions)
}

func TestFailedAppendKeepsTransitionPending(t *testing.T) {
	t.Parallel()

	dir := newFakeDir(storage.Person{ID: 1, Name: "alice"})
	dir.appendErr = errors.New("database is locked")
	prov := &scripted{name: "ping"}
	prov.set([]Sighting{{PersonID: 1, SeenAt: sec(10)}}, nil)
	var arr arrivals
	m := NewStateMachine(Config{HomeTTL: time.Minute}, dir, []Provider{prov}, arr.fn, logx.Nop())

	m.Tick(context.Background(), sec(10))
	require.Equal(t, Away, m.CurrentStates()[1])
	require.Equal(t, Home, m.Snapshot()[0].Pending)
	require.Empty(t, arr.got())

	dir.mu.Lock()
	dir.appendErr = nil
	dir.mu.Unlock()
	m.Tick(context.Background(), sec(20))
	require.Equal(t, Home, m.CurrentStates()[1])
	require.Equal(t, []string{"alice"}, arr.got())
}

func TestNewPeopleAreTrackedOnTick(t *testing.T) {
	t.Parallel()

	dir := newFakeDir()
	m := NewStateMachine(Config{HomeTTL: time.Minute}, dir, nil, nil, logx.Nop())
	require.NoError(t, m.Restore(context.Background()))
	require.Empty(t, m.CurrentStates())

	dir.mu.Lock()
	dir.people = append(dir.people, storage.Person{ID: 5, Name: "carol"})
	dir.latest[5] = Home
	dir.mu.Unlock()

	m.Tick(context.Background(), sec(0))
	require.Equal(t, map[int64]State{5: Home}, m.CurrentStates())
}

func TestCurrentStatesIsACopy(t *testing.T) {
	t.Parallel()

	dir := newFakeDir(storage.Person{ID: 1, Name: "alice"})
	m := NewStateMachine(Config{}, dir, nil, nil, logx.Nop())
	require.NoError(t, m.Restore(context.Background()))

	snap := m.CurrentStates()
	snap[1] = Home
	require.Equal(t, Away, m.CurrentStates()[1])
}

func TestStartStopLoop(t *testing.T) {
	t.Parallel()

	dir := newFakeDir(storage.Person{ID: 1, Name: "alice"})
	prov := &scripted{name: "ping"}
	ticked := make(chan struct{}, 1)
	m := NewStateMachine(Config{Interval: time.Hour, HomeTTL: time.Minute}, dir,
		[]Provider{providerFunc(func(ctx context.Context) ([]Sighting, error) {
			select {
			case ticked <- struct{}{}:
			default:
			}
			return prov.Poll(ctx)
		})}, nil, logx.Nop())

	require.NoError(t, m.Start(context.Background()))
	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick after Start")
	}
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
}

type providerFunc func(ctx context.Context) ([]Sighting, error)

func (providerFunc) Name() string                                   { return "func" }
func (f providerFunc) Poll(ctx context.Context) ([]Sighting, error) { return f(ctx) }

func TestHangingProviderDoesNotBlockCommits(t *testing.T) {
	t.Parallel()

	dir := newFakeDir(storage.Person{ID: 1, Name: "alice"})
	hanging := providerFunc(func(ctx context.Context) ([]Sighting, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	healthy := &scripted{name: "ble", next: []Sighting{{PersonID: 1, SeenAt: sec(100)}}}
	arr := &arrivals{}
	cfg := Config{Interval: 200 * time.Millisecond, TickTimeout: 200 * time.Millisecond, HomeTTL: time.Minute}
	m := NewStateMachine(cfg, dir, []Provider{hanging, healthy}, arr.fn, logx.Nop())
	require.NoError(t, m.Restore(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.TickTimeout)
	defer cancel()
	m.Tick(ctx, sec(100))

	require.Equal(t, Home, m.CurrentStates()[1])
	require.Equal(t, []string{"alice"}, arr.got())
}

func TestProviderTimeoutStaysInsideTick(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cfg  Config
		want time.Duration
	}{
		{Config{Interval: 40 * time.Second}, 30 * time.Second},
		{Config{Interval: 40 * time.Second, ProviderTimeout: 10 * time.Second}, 10 * time.Second},
		{Config{Interval: time.Minute, TickTimeout: 20 * time.Second, ProviderTimeout: 20 * time.Second}, 15 * time.Second},
	}
	for _, tc := range cases {
		m := NewStateMachine(tc.cfg, newFakeDir(), nil, nil, logx.Nop())
		require.Equal(t, tc.want, m.providerTimeoutLocked())
	}
}
