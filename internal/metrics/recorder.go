// Package metrics exports daemon counters to Prometheus and serves the
// /metrics and /healthz endpoints.
package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "homepi"

// Recorder holds the daemon's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	reg *prom.Registry

	transitions   *prom.CounterVec
	providerPolls *prom.CounterVec
	sightings     *prom.CounterVec
	jobs          *prom.CounterVec
	arrivals      *prom.CounterVec
	deliveries    *prom.CounterVec
	commands      *prom.CounterVec
	tickDuration  *prom.HistogramVec
	tracked       prom.Gauge
	home          prom.Gauge
}

// New builds a Recorder on its own registry, including Go and process
// collectors.
func New() *Recorder {
	r := &Recorder{reg: prom.NewRegistry()}
	r.transitions = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "presence_transitions_total",
		Help:      "Committed presence transitions by new state",
	}, []string{"to"})
	r.providerPolls = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "provider_polls_total",
		Help:      "Presence provider polls by result",
	}, []string{"provider", "result"})
	r.sightings = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "provider_sightings_total",
		Help:      "Sightings returned by presence providers",
	}, []string{"provider"})
	r.jobs = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_jobs_total",
		Help:      "Scheduled job outcomes",
	}, []string{"outcome"})
	r.arrivals = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "arrival_rules_total",
		Help:      "Arrival rule evaluations by result",
	}, []string{"result"})
	r.deliveries = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Message and sound deliveries by channel and result",
	}, []string{"channel", "result"})
	r.commands = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Chat commands handled by command and outcome",
	}, []string{"cmd", "result"})
	r.tickDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of presence and scheduler ticks",
		Buckets:   prom.DefBuckets,
	}, []string{"loop"})
	r.tracked = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "presence_tracked_people",
		Help:      "People tracked by the presence state machine",
	})
	r.home = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "presence_home_people",
		Help:      "People currently home",
	})
	r.reg.MustRegister(r.transitions, r.providerPolls, r.sightings, r.jobs, r.arrivals,
		r.deliveries, r.commands, r.tickDuration, r.tracked, r.home)
	r.reg.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
	return r
}

func (r *Recorder) Registry() *prom.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *Recorder) Transition(to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(to).Inc()
}

func (r *Recorder) ProviderPoll(provider string, sightings int, err error) {
	if r == nil {
		return
	}
	r.providerPolls.WithLabelValues(provider, result(err)).Inc()
	if sightings > 0 {
		r.sightings.WithLabelValues(provider).Add(float64(sightings))
	}
}

// Job outcomes: fired, failed, gated, skipped.
func (r *Recorder) Job(outcome string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Arrival(err error) {
	if r == nil {
		return
	}
	r.arrivals.WithLabelValues(result(err)).Inc()
}

func (r *Recorder) Delivery(channel string, err error) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(channel, result(err)).Inc()
}

// Command counts a chat command by its outcome ("ok", "usage", "invalid",
// "not_found", "conflict", "timeout" or "error").
func (r *Recorder) Command(name, outcome string) {
	if r == nil {
		return
	}
	r.commands.WithLabelValues(name, outcome).Inc()
}

func (r *Recorder) ObserveTick(loop string, d time.Duration) {
	if r == nil {
		return
	}
	r.tickDuration.WithLabelValues(loop).Observe(d.Seconds())
}

func (r *Recorder) PresenceGauges(tracked, home int) {
	if r == nil {
		return
	}
	r.tracked.Set(float64(tracked))
	r.home.Set(float64(home))
}
