package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "homepi/pkg/logx"
)

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.Transition("home")
	r.ProviderPoll("ping", 2, nil)
	r.Job("fired")
	r.Arrival(errors.New("x"))
	r.Delivery("text", nil)
	r.Command("pair", "ok")
	r.ObserveTick("presence", time.Second)
	r.PresenceGauges(1, 1)
	require.Nil(t, r.Registry())
}

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	r := New()
	r.Job("fired")
	r.Job("fired")
	r.Job("failed")
	r.ProviderPoll("ble", 3, nil)
	r.ProviderPoll("ble", 0, errors.New("scan failed"))
	r.Command("remind", "invalid")
	r.Command("remind", "invalid")

	got := map[string]float64{}
	mfs, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "," + lp.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				got[key] = c.GetValue()
			}
		}
	}
	require.Equal(t, 2.0, got["homepi_scheduler_jobs_total,fired"])
	require.Equal(t, 1.0, got["homepi_scheduler_jobs_total,failed"])
	require.Equal(t, 3.0, got["homepi_provider_sightings_total,ble"])
	require.Equal(t, 1.0, got["homepi_provider_polls_total,ble,error"])
	require.Equal(t, 2.0, got["homepi_commands_total,remind,invalid"])
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	var lastErr error
	for i := 0; i < 40; i++ {
		resp, err := http.Get(url)
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return resp.StatusCode, string(b)
		}
		lastErr = err
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("GET %s: %v", url, lastErr)
	return 0, ""
}

func TestServerApplyEnableDisable(t *testing.T) {
	t.Parallel()

	rec := New()
	rec.Transition("home")
	var unhealthy atomic.Bool
	srv := NewServer(rec, func(ctx context.Context) (any, error) {
		if unhealthy.Load() {
			return nil, errors.New("db closed")
		}
		return map[string]int{"tracked": 2}, nil
	}, logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Apply(ctx, true, "127.0.0.1:0")
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	code, body := get(t, "http://"+addr+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `homepi_presence_transitions_total{to="home"} 1`)

	code, body = get(t, "http://"+addr+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"tracked":2`)

	unhealthy.Store(true)
	code, body = get(t, "http://"+addr+"/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body, "db closed")

	srv.Apply(ctx, false, "")
	require.Empty(t, srv.Addr())
}
