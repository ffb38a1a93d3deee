package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homepi/internal/eventbus"
	"homepi/internal/rules"
	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (n *fakeNotifier) SendText(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.texts = append(n.texts, text)
	return nil
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

type fakePlayer struct {
	mu      sync.Mutex
	sources []string
	err     error
}

func (p *fakePlayer) Play(ctx context.Context, source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources = append(p.sources, source)
	return p.err
}

type env struct {
	st       *storage.Store
	notifier *fakeNotifier
	player   *fakePlayer
	states   map[int64]storage.PresenceState
	sched    *Scheduler
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := &env{st: st, notifier: &fakeNotifier{}, player: &fakePlayer{}, states: map[int64]storage.PresenceState{}}
	presence := func() map[int64]storage.PresenceState {
		out := make(map[int64]storage.PresenceState, len(e.states))
		for k, v := range e.states {
			out[k] = v
		}
		return out
	}
	e.sched = New(Config{Location: time.UTC}, st, e.notifier, e.player, presence, logx.Nop(), opts...)
	return e
}

func (e *env) rule(t *testing.T, trig rules.TimeTrigger, act rules.Action, next int64) rules.Rule {
	t.Helper()
	at := time.Unix(next, 0)
	r, err := e.st.CreateRule(context.Background(), rules.Rule{
		Name:    rules.Name(rules.TriggerTime, act),
		Trigger: trig,
		Action:  act,
		Enabled: true,
	}, &at)
	require.NoError(t, err)
	return r
}

func (e *env) job(t *testing.T, ruleID int64) storage.Job {
	t.Helper()
	j, err := e.st.JobByRule(context.Background(), ruleID)
	require.NoError(t, err)
	return j
}

func sec(n int64) time.Time { return time.Unix(n, 0) }

func TestOneShotFiresOnceAndFinishes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	r := e.rule(t, rules.TimeTrigger{At: sec(1000)}, rules.Action{Message: "trash"}, 1000)

	e.sched.Tick(ctx, sec(999))
	require.Empty(t, e.notifier.sent())

	e.sched.Tick(ctx, sec(1000))
	require.Equal(t, []string{"trash"}, e.notifier.sent())
	j := e.job(t, r.ID)
	require.Equal(t, storage.JobDone, j.Status)
	require.Equal(t, int64(1000), j.LastRunAt.Unix())

	e.sched.Tick(ctx, sec(5000))
	require.Len(t, e.notifier.sent(), 1)
}

func TestCronJobReschedulesStrictlyAfterNow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	// 1000 is 00:16:40 UTC; "*/5 * * * *" has an occurrence at 00:20
	r := e.rule(t, rules.TimeTrigger{Cron: "*/5 * * * *"}, rules.Action{Message: "stretch"}, 1000)

	e.sched.Tick(ctx, sec(1000))
	require.Equal(t, []string{"stretch"}, e.notifier.sent())
	j := e.job(t, r.ID)
	require.Equal(t, storage.JobPending, j.Status)
	require.Greater(t, j.NextRunAt.Unix(), int64(1000))
	require.Equal(t, int64(1200), j.NextRunAt.Unix())
	require.Equal(t, int64(1000), j.LastRunAt.Unix())

	e.sched.Tick(ctx, sec(1100))
	require.Len(t, e.notifier.sent(), 1)
	e.sched.Tick(ctx, sec(1200))
	require.Len(t, e.notifier.sent(), 2)
}

// flakyStore fails the first write of each post-send job update.
type flakyStore struct {
	*storage.Store
	mu     sync.Mutex
	failed map[string]bool
}

func (f *flakyStore) once(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed[op] {
		return nil
	}
	f.failed[op] = true
	return errors.New("database is locked")
}

func (f *flakyStore) RescheduleJob(ctx context.Context, jobID int64, next time.Time, ranAt *time.Time) error {
	if ranAt != nil {
		if err := f.once("reschedule"); err != nil {
			return err
		}
	}
	return f.Store.RescheduleJob(ctx, jobID, next, ranAt)
}

func (f *flakyStore) FinishJob(ctx context.Context, jobID int64, ranAt time.Time) error {
	if err := f.once("finish"); err != nil {
		return err
	}
	return f.Store.FinishJob(ctx, jobID, ranAt)
}

func TestJobStateWriteIsRetried(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: e.st, failed: map[string]bool{}}
	sched := New(Config{Location: time.UTC}, flaky, e.notifier, e.player, nil, logx.Nop())

	cron := e.rule(t, rules.TimeTrigger{Cron: "*/5 * * * *"}, rules.Action{Message: "stretch"}, 600)
	once := e.rule(t, rules.TimeTrigger{At: sec(600)}, rules.Action{Message: "tea"}, 600)

	sched.Tick(ctx, sec(600))
	require.ElementsMatch(t, []string{"stretch", "tea"}, e.notifier.sent())

	j := e.job(t, cron.ID)
	require.Equal(t, storage.JobPending, j.Status)
	require.Equal(t, int64(900), j.NextRunAt.Unix())
	require.Equal(t, storage.JobDone, e.job(t, once.ID).Status)
}

func TestSendFailureIsTerminal(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	e := newEnv(t, WithBus(bus))
	e.notifier.err = errors.New("discord down")
	ctx := context.Background()
	r := e.rule(t, rules.TimeTrigger{Cron: "* * * * *"}, rules.Action{Message: "hello", Sound: "bell.mp3"}, 1000)

	e.sched.Tick(ctx, sec(1000))
	j := e.job(t, r.ID)
	require.Equal(t, storage.JobFailed, j.Status)
	require.Contains(t, j.LastError, "discord down")
	require.Equal(t, int64(1000), j.LastRunAt.Unix())
	require.Empty(t, e.player.sources, "sound is not played after a failed send")

	e.notifier.err = nil
	e.sched.Tick(ctx, sec(2000))
	require.Empty(t, e.notifier.sent())

	ev := <-events
	require.Equal(t, eventbus.JobFailed, ev.Type)
	require.Contains(t, ev.Data.(eventbus.JobOutcome).Err, "discord down")
}

func TestSoundFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.player.err = errors.New("ffplay: exit status 1")
	r := e.rule(t, rules.TimeTrigger{At: sec(10)}, rules.Action{Sound: "/srv/bell.mp3"}, 10)

	e.sched.Tick(context.Background(), sec(10))
	require.Empty(t, e.notifier.sent(), "sound-only rules send no text")
	require.Equal(t, []string{"/srv/bell.mp3"}, e.player.sources)
	require.Equal(t, storage.JobDone, e.job(t, r.ID).Status)
}

func TestPresenceGate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	alice, _, err := e.st.UpsertPerson(ctx, "4242", "alice")
	require.NoError(t, err)

	act := rules.Action{Message: "water the plants", TargetPersonID: alice.ID, RequireHome: true}
	once := e.rule(t, rules.TimeTrigger{At: sec(1000)}, act, 1000)
	cron := e.rule(t, rules.TimeTrigger{Cron: "*/5 * * * *"}, act, 1000)

	// untracked counts as not home
	for _, now := range []int64{1000, 1060, 1300} {
		e.sched.Tick(ctx, sec(now))
	}
	require.Empty(t, e.notifier.sent())

	j := e.job(t, once.ID)
	require.Equal(t, storage.JobPending, j.Status)
	require.Equal(t, int64(1000), j.NextRunAt.Unix())
	require.Nil(t, j.LastRunAt)

	j = e.job(t, cron.ID)
	require.Equal(t, storage.JobPending, j.Status)
	require.Equal(t, int64(1500), j.NextRunAt.Unix())
	require.Nil(t, j.LastRunAt)

	e.states[alice.ID] = storage.StateAway
	e.sched.Tick(ctx, sec(1400))
	require.Empty(t, e.notifier.sent())

	e.states[alice.ID] = storage.StateHome
	e.sched.Tick(ctx, sec(1500))
	require.Equal(t, []string{"<@4242> water the plants", "<@4242> water the plants"}, e.notifier.sent())
	require.Equal(t, storage.JobDone, e.job(t, once.ID).Status)
}

func TestTargetWithoutGateAlwaysFires(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	bob, _, err := e.st.UpsertPerson(ctx, "77", "bob")
	require.NoError(t, err)
	e.rule(t, rules.TimeTrigger{At: sec(50)}, rules.Action{Message: "call mom", TargetPersonID: bob.ID}, 50)

	e.sched.Tick(ctx, sec(60))
	require.Equal(t, []string{"<@77> call mom"}, e.notifier.sent())
}

func TestDisabledRulesAreNotDue(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	r := e.rule(t, rules.TimeTrigger{At: sec(5)}, rules.Action{Message: "x"}, 5)
	require.NoError(t, e.st.SetRuleEnabled(ctx, r.ID, false))

	e.sched.Tick(ctx, sec(10))
	require.Empty(t, e.notifier.sent())
	require.Equal(t, storage.JobPending, e.job(t, r.ID).Status)
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	stuck := e.rule(t, rules.TimeTrigger{At: sec(10)}, rules.Action{Message: "a"}, 10)
	claimed, err := e.st.ClaimJob(ctx, e.job(t, stuck.ID).ID)
	require.NoError(t, err)
	require.True(t, claimed)

	unset, err := e.st.CreateRule(ctx, rules.Rule{
		Name: "time: b", Trigger: rules.TimeTrigger{Cron: "0 * * * *"}, Action: rules.Action{Message: "b"}, Enabled: true,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, e.sched.Reconcile(ctx, sec(100)))

	j := e.job(t, stuck.ID)
	require.Equal(t, storage.JobFailed, j.Status)
	require.Contains(t, j.LastError, "interrupted")

	j = e.job(t, unset.ID)
	require.Equal(t, storage.JobPending, j.Status)
	require.NotNil(t, j.NextRunAt)
	require.Equal(t, int64(3600), j.NextRunAt.Unix())
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.rule(t, rules.TimeTrigger{At: sec(1)}, rules.Action{Message: "boot"}, 1)

	e.sched.Apply(Config{Interval: time.Hour, Location: time.UTC})
	require.NoError(t, e.sched.Start(context.Background()))
	require.Eventually(t, func() bool { return len(e.notifier.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, e.sched.Stop(context.Background()))
	require.NoError(t, e.sched.Stop(context.Background()))
}
