package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homepi/internal/presence"
	"homepi/internal/rules"
	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

// 2026-10-17 09:00 UTC
var fixedNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type fixture struct {
	st     *storage.Store
	svc    *Service
	states map[int64]storage.PresenceState
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	f := &fixture{st: st, states: map[int64]storage.PresenceState{}}
	f.svc = New(st, func() map[int64]storage.PresenceState { return f.states }, time.UTC, logx.Nop(),
		WithClock(func() time.Time { return fixedNow }))
	return f
}

var (
	alice = Actor{ExternalID: "100", Name: "alice"}
	bob   = Actor{ExternalID: "200", Name: "bob"}
)

func (f *fixture) pair(t *testing.T, a Actor, value string) Paired {
	t.Helper()
	p, err := f.svc.RegisterDevice(context.Background(), DeviceRequest{Actor: a, Value: value})
	require.NoError(t, err)
	return p
}

func TestRegisterDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	p := f.pair(t, alice, "192.168.1.23")
	require.True(t, p.PersonCreated)
	require.Equal(t, storage.DevicePingIP, p.Device.Kind)

	p2 := f.pair(t, alice, "aa:bb:cc:dd:ee:ff")
	require.False(t, p2.PersonCreated)
	require.Equal(t, p.Person.ID, p2.Person.ID)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", p2.Device.Value)

	_, err := f.svc.RegisterDevice(ctx, DeviceRequest{Actor: bob, Value: "AA:BB:CC:DD:EE:FF"})
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = f.svc.RegisterDevice(ctx, DeviceRequest{Actor: alice, Value: "my phone"})
	require.True(t, rules.IsValidation(err))
}

func TestParseDevice(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  storage.DeviceKind
		value string
		bad   bool
	}{
		{in: " 10.0.0.5 ", kind: storage.DevicePingIP, value: "10.0.0.5"},
		{in: "fe80::1", kind: storage.DevicePingIP, value: "fe80::1"},
		{in: "f0:99:b6:12:34:56", kind: storage.DeviceBLEMAC, value: "F0:99:B6:12:34:56"},
		{in: "f099.b612.3456", bad: true},
		{in: "300.1.1.1", bad: true},
		{in: "", bad: true},
	}
	for _, tc := range cases {
		kind, value, err := ParseDevice(tc.in)
		if tc.bad {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.kind, kind)
		require.Equal(t, tc.value, value)
	}
}

func TestCreateTimeRules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	me := f.pair(t, alice, "10.0.0.2").Person

	c, err := f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerTime, At: "2026-10-17 20:00", Message: "take out the trash"})
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 17, 20, 0, 0, 0, time.UTC), *c.NextRun)
	require.Equal(t, me.ID, c.Rule.Action.TargetPersonID, "target defaults to the creator")
	require.Equal(t, me.ID, c.Rule.CreatedBy)

	job, err := f.st.JobByRule(ctx, c.Rule.ID)
	require.NoError(t, err)
	require.Equal(t, storage.JobPending, job.Status)

	c, err = f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerTime, Cron: " 0  7 * * 1-5 ", Message: "standup"})
	require.NoError(t, err)
	require.Equal(t, "0 7 * * 1-5", c.Rule.Cron())
	require.Equal(t, time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC), *c.NextRun)

	// an unregistered creator gets no implicit target
	c, err = f.svc.CreateRule(ctx, RuleRequest{Actor: bob, Type: rules.TriggerTime, At: "21:00", Sound: "/srv/bell.mp3"})
	require.NoError(t, err)
	require.False(t, c.Rule.Action.HasTarget())
}

func TestCreateRuleValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.pair(t, alice, "10.0.0.2")

	cases := map[string]RuleRequest{
		"no action":       {Actor: alice, Type: rules.TriggerTime, At: "20:00"},
		"bad cron fields": {Actor: alice, Type: rules.TriggerTime, Cron: "0 7 * *", Message: "x"},
		"bad cron value":  {Actor: alice, Type: rules.TriggerTime, Cron: "99 7 * * *", Message: "x"},
		"bad time":        {Actor: alice, Type: rules.TriggerTime, At: "tomorrow-ish", Message: "x"},
		"past time":       {Actor: alice, Type: rules.TriggerTime, At: "2026-10-17 08:00", Message: "x"},
		"no time":         {Actor: alice, Type: rules.TriggerTime, Message: "x"},
		"both":            {Actor: alice, Type: rules.TriggerTime, At: "20:00", Cron: "* * * * *", Message: "x"},
		"unknown target":  {Actor: alice, Type: rules.TriggerTime, At: "20:00", Message: "x", Target: "carol"},
		"home w/o target": {Actor: bob, Type: rules.TriggerTime, At: "20:00", Message: "x", RequireHome: true},
		"unknown who":     {Actor: alice, Type: rules.TriggerArrival, Who: "carol", Message: "x"},
		"unknown type":    {Actor: alice, Type: "weather", Message: "x"},
	}
	for name, req := range cases {
		_, err := f.svc.CreateRule(ctx, req)
		require.True(t, rules.IsValidation(err), "%s: %v", name, err)
	}

	views, err := f.st.ListRules(ctx)
	require.NoError(t, err)
	require.Empty(t, views, "failed creations mutate nothing")
}

func TestCreateArrivalRule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerArrival, Message: "welcome"})
	require.True(t, rules.IsNotFound(err), "creator must be registered")

	me := f.pair(t, alice, "10.0.0.2").Person
	other := f.pair(t, bob, "10.0.0.3").Person

	c, err := f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerArrival, Message: "welcome", RequireHome: true})
	require.NoError(t, err)
	require.Equal(t, rules.ArrivalTrigger{PersonID: me.ID}, c.Rule.Trigger)
	require.False(t, c.Rule.Action.RequireHome)
	require.Nil(t, c.NextRun)

	c, err = f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerArrival, Who: "BOB", Message: "bob is back"})
	require.NoError(t, err)
	require.Equal(t, rules.ArrivalTrigger{PersonID: other.ID}, c.Rule.Trigger)

	_, err = f.st.JobByRule(ctx, c.Rule.ID)
	require.ErrorIs(t, err, storage.ErrNotFound, "arrival rules have no job")
}

func TestDeleteAndToggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.pair(t, alice, "10.0.0.2")

	c, err := f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerTime, Cron: "0 * * * *", Message: "hourly"})
	require.NoError(t, err)
	job, err := f.st.JobByRule(ctx, c.Rule.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.SetRuleEnabled(ctx, alice, c.Rule.ID, false))
	// an old next run is moved forward on enable
	require.NoError(t, f.st.RescheduleJob(ctx, job.ID, fixedNow.Add(-3*time.Hour), nil))
	require.NoError(t, f.svc.SetRuleEnabled(ctx, alice, c.Rule.ID, true))
	job, err = f.st.JobByRule(ctx, c.Rule.ID)
	require.NoError(t, err)
	require.Equal(t, fixedNow.Add(time.Hour).Unix(), job.NextRunAt.Unix())

	require.True(t, rules.IsNotFound(f.svc.SetRuleEnabled(ctx, alice, 999, true)))

	require.NoError(t, f.svc.DeleteRule(ctx, alice, c.Rule.ID))
	_, err = f.st.JobByRule(ctx, c.Rule.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = f.svc.DeleteRule(ctx, alice, c.Rule.ID)
	require.True(t, rules.IsNotFound(err))
	var nf *rules.NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "rule", nf.Kind)
}

func TestListRules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.ListRules(ctx)
	require.NoError(t, err)
	require.Equal(t, "No rules yet.", out)

	f.pair(t, alice, "10.0.0.2")
	_, err = f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerTime, At: "2026-10-18 08:00", Message: "trash"})
	require.NoError(t, err)
	c2, err := f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerArrival, Sound: "chime.mp3"})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetRuleEnabled(ctx, alice, c2.Rule.ID, false))

	out, err = f.svc.ListRules(ctx)
	require.NoError(t, err)
	require.Contains(t, out, `#1 [time] 2026-10-18 08:00 — "trash" for alice`)
	require.Contains(t, out, "#2 [arrival] when alice arrives — ♪ chime.mp3 for alice [off]")
}

func TestReports(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.WhoHome(ctx)
	require.NoError(t, err)
	require.Contains(t, out, "No one is registered")

	a := f.pair(t, alice, "10.0.0.2").Person
	f.pair(t, bob, "AA:BB:CC:DD:EE:01")
	f.states[a.ID] = storage.StateHome

	out, err = f.svc.WhoHome(ctx)
	require.NoError(t, err)
	require.Equal(t, "🏠 alice: home\n🚪 bob: away", out)

	out, err = f.svc.People(ctx)
	require.NoError(t, err)
	require.Contains(t, out, "alice (id 1): ip 10.0.0.2")
	require.Contains(t, out, "bob (id 2): ble AA:BB:CC:DD:EE:01")

	_, err = f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerTime, At: "22:00", Message: "lock up"})
	require.NoError(t, err)
	out, err = f.svc.Jobs(ctx)
	require.NoError(t, err)
	require.Contains(t, out, "job 1 rule #1 pending next=2026-10-17 22:00 last=-")
}

func TestWhoHomeShowsPresenceDetail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a := f.pair(t, alice, "10.0.0.2").Person
	b := f.pair(t, bob, "10.0.0.3").Person
	f.states[a.ID] = storage.StateHome
	detail := []presence.PersonStatus{
		{Person: a, State: presence.Home, LastSeen: fixedNow.Add(-2 * time.Minute)},
		{Person: b, State: presence.Away, LastSeen: fixedNow.Add(-time.Minute), Pending: presence.Home, PendingSince: fixedNow.Add(-time.Minute)},
	}
	svc := New(f.st, func() map[int64]storage.PresenceState { return f.states }, time.UTC, logx.Nop(),
		WithPresenceDetail(func() []presence.PersonStatus { return detail }))

	out, err := svc.WhoHome(ctx)
	require.NoError(t, err)
	require.Equal(t, "🏠 alice: home, seen 08:58\n🚪 bob: away, seen 08:59, turning home since 08:59", out)
}

func TestMutationsAreAudited(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.pair(t, alice, "10.0.0.2")
	_, _ = f.svc.CreateRule(ctx, RuleRequest{Actor: alice, Type: rules.TriggerTime, Message: "no time"})
	_ = f.svc.DeleteRule(ctx, alice, 42)

	entries := auditRows(t, f.st)
	require.Equal(t, []string{"device.register:true", "rule.create:false", "rule.delete:false"}, entries)
}

func auditRows(t *testing.T, st *storage.Store) []string {
	t.Helper()
	entries, err := st.RecentAudit(context.Background(), 50)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		ok := "false"
		if e.OK {
			ok = "true"
		}
		out = append(out, e.Action+":"+ok)
	}
	return out
}
