package rules

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeCron(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		expr    string
		want    string
		wantErr bool
	}{
		{name: "daily", expr: "0 8 * * *", want: "0 8 * * *"},
		{name: "extra spaces", expr: "  */15   7-22 * * 1-5 ", want: "*/15 7-22 * * 1-5"},
		{name: "four fields", expr: "0 8 * *", wantErr: true},
		{name: "six fields", expr: "0 0 8 * * *", wantErr: true},
		{name: "descriptor", expr: "@daily", wantErr: true},
		{name: "out of range", expr: "61 8 * * *", wantErr: true},
		{name: "empty", expr: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeCron(tt.expr)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, IsValidation(err), "want ValidationError, got %T", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNextCronStrictlyAfter(t *testing.T) {
	t.Parallel()

	loc := time.UTC
	at := time.Date(2026, 10, 17, 8, 0, 0, 0, loc)

	next, err := NextCron("0 8 * * *", at, loc)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 18, 8, 0, 0, 0, loc), next)

	next, err = NextCron("* * * * *", time.Unix(1000, 0), loc)
	require.NoError(t, err)
	require.True(t, next.After(time.Unix(1000, 0)))
	require.Equal(t, int64(1020), next.Unix())
}

func TestNextCronUsesLocation(t *testing.T) {
	t.Parallel()

	jkt := time.FixedZone("WIB", 7*3600)
	after := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC) // 07:00 WIB

	next, err := NextCron("30 7 * * *", after, jkt)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 17, 0, 30, 0, 0, time.UTC), next.UTC())
}

func TestNextRunOneShot(t *testing.T) {
	t.Parallel()

	at := time.Unix(5000, 0)
	got, err := NextRun(TimeTrigger{At: at}, time.Unix(1000, 0), time.UTC)
	require.NoError(t, err)
	require.True(t, got.Equal(at))

	_, err = NextRun(TimeTrigger{}, time.Unix(1000, 0), time.UTC)
	require.Error(t, err)
}

func TestParseAt(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("WIB", 7*3600)
	now := time.Date(2026, 10, 17, 20, 0, 0, 0, loc)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-10-18T08:00:00+07:00", time.Date(2026, 10, 18, 8, 0, 0, 0, loc)},
		{"2026-10-18 08:00", time.Date(2026, 10, 18, 8, 0, 0, 0, loc)},
		{"2026-10-18T08:00", time.Date(2026, 10, 18, 8, 0, 0, 0, loc)},
		{"21:30", time.Date(2026, 10, 17, 21, 30, 0, 0, loc)},
		{"07:00", time.Date(2026, 10, 18, 7, 0, 0, 0, loc)},
		{"20:00", time.Date(2026, 10, 18, 20, 0, 0, 0, loc)},
	}
	for _, tc := range tests {
		got, err := ParseAt(tc.in, now, loc)
		require.NoError(t, err, tc.in)
		require.True(t, got.Equal(tc.want), "%s: got %s want %s", tc.in, got, tc.want)
	}

	_, err := ParseAt("tomorrow-ish", now, loc)
	require.True(t, IsValidation(err))
}

func TestTriggerRoundTripKeepsWireNames(t *testing.T) {
	t.Parallel()

	typ, raw, err := EncodeTrigger(TimeTrigger{Cron: "0 8 * * *"})
	require.NoError(t, err)
	require.Equal(t, TriggerTime, typ)
	require.JSONEq(t, `{"cron":"0 8 * * *"}`, raw)

	typ, raw, err = EncodeTrigger(TimeTrigger{At: time.Unix(1000, 0)})
	require.NoError(t, err)
	require.Equal(t, TriggerTime, typ)
	require.JSONEq(t, `{"datetime_iso":"1970-01-01T00:16:40Z"}`, raw)

	got, err := DecodeTrigger(TriggerTime, raw)
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.(TimeTrigger).At.Unix())

	typ, raw, err = EncodeTrigger(ArrivalTrigger{PersonID: 7})
	require.NoError(t, err)
	require.Equal(t, TriggerArrival, typ)
	got, err = DecodeTrigger(typ, raw)
	require.NoError(t, err)
	require.Equal(t, ArrivalTrigger{PersonID: 7}, got)

	_, _, err = EncodeTrigger(TimeTrigger{})
	require.True(t, IsValidation(err))
	_, _, err = EncodeTrigger(ArrivalTrigger{})
	require.True(t, IsValidation(err))

	_, err = DecodeTrigger("weekly", `{}`)
	require.Error(t, err)
}

func TestActionEncoding(t *testing.T) {
	t.Parallel()

	raw, err := EncodeAction(Action{Message: "hi", TargetPersonID: 3, RequireHome: true})
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"hi","target_person_id":3,"require_home":true}`, raw)

	a, err := DecodeAction(`{"sound":"/srv/bell.mp3"}`)
	require.NoError(t, err)
	require.Equal(t, Action{Sound: "/srv/bell.mp3"}, a)
	require.False(t, a.Gated())

	require.Error(t, ValidateAction(Action{Message: "  "}))
	require.NoError(t, ValidateAction(Action{Sound: "x.mp3"}))
	require.Error(t, ValidateAction(Action{Message: " <@42> pay up"}))
	require.NoError(t, ValidateAction(Action{Message: "ask <@42> to pay up"}))
}

func TestComposeText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "<@u-alice> take medicine", ComposeText(MentionToken("u-alice"), "take medicine"))
	require.Equal(t, "take medicine", ComposeText("", "take medicine"))
	require.Equal(t, "", ComposeText(MentionToken("u-alice"), ""))
}

func TestName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "time: trash", Name(TriggerTime, Action{Message: "trash"}))
	require.Equal(t, "arrival: ♪ /srv/bell.mp3", Name(TriggerArrival, Action{Sound: "/srv/bell.mp3"}))

	long := strings.Repeat("ab ", 30)
	n := Name(TriggerTime, Action{Message: long})
	require.Equal(t, len("time: ")+40, len(n))
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("discord down")
	err := error(&DeliveryError{Channel: "text", Err: base})
	require.ErrorIs(t, err, base)
	require.Contains(t, err.Error(), "discord down")

	require.True(t, IsNotFound(&NotFoundError{Kind: "rule", ID: "3"}))
	require.Equal(t, "rule 3 not found", (&NotFoundError{Kind: "rule", ID: "3"}).Error())
}
