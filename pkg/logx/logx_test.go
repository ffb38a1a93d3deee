package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type chanForwarder chan string

func (c chanForwarder) Forward(_ context.Context, text string) error {
	c <- text
	return nil
}

func TestAlertText(t *testing.T) {

	line := `{"level":"warn","comp":"presence","provider":"ble","err":"exit status 1","caller":"x.go:1","stack":"...","time":"t","message":"provider poll failed"}`
	require.Equal(t, "⚠️ presence: provider poll failed\nerr=exit status 1\nprovider=ble", alertText([]byte(line)))

	require.Equal(t, "🔴 storage closed", alertText([]byte(`{"level":"error","message":"storage closed"}`)))
	require.Equal(t, "not json", alertText([]byte("not json\n")))

	long := alertText([]byte(`{"level":"warn","message":"x","detail":"` + strings.Repeat("é", 500) + `"}`))
	require.True(t, strings.HasSuffix(long, "..."))
	require.LessOrEqual(t, len(long), alertValueMax+20)
}

func TestForwardOnlyAtMinLevel(t *testing.T) {

	got := make(chanForwarder, 4)
	svc, log := New(Config{Forward: ForwardConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetForwarder(got)

	log = log.With(String("comp", "scheduler"))
	log.Info("tick")
	log.Warn("send failed", Err(errors.New("timeout")))

	select {
	case text := <-got:
		require.Equal(t, "⚠️ scheduler: send failed\nerr=timeout", text)
	case <-time.After(2 * time.Second):
		t.Fatal("warning was not forwarded")
	}
	select {
	case text := <-got:
		t.Fatalf("unexpected alert %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApplyChangesLevelInPlace(t *testing.T) {

	svc, log := New(Config{Level: "error"})
	t.Cleanup(func() { _ = svc.Close() })
	got := make(chanForwarder, 1)
	svc.SetForwarder(got)

	log.Warn("ignored")
	svc.Apply(Config{Level: "debug", Forward: ForwardConfig{Enabled: true, MinLevel: "warn"}})
	log.Warn("now forwarded")

	select {
	case text := <-got:
		require.Equal(t, "⚠️ now forwarded", text)
	case <-time.After(2 * time.Second):
		t.Fatal("reload did not reach the existing logger")
	}
}

func TestWriterLoggerAddsCaller(t *testing.T) {

	var buf bytes.Buffer
	NewWriter(&buf, "info").With(String("comp", "x")).Info("hello", Int("n", 2))
	out := buf.String()
	require.Contains(t, out, `"caller":"logx_test.go:`)
	require.Contains(t, out, `"comp":"x"`)
	require.Contains(t, out, `"n":2`)

	buf.Reset()
	NewWriter(&buf, "info").Debug("quiet")
	require.Empty(t, buf.String())

	var zero Logger
	require.True(t, zero.IsZero())
	zero.Error("dropped")
}
