package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

// ProbeFunc reports whether addr answered within timeout.
type ProbeFunc func(ctx context.Context, addr string, timeout time.Duration) (bool, error)

type PingConfig struct {
	Timeout       time.Duration // per device; 0 means 1s
	Privileged    bool          // raw ICMP sockets instead of unprivileged UDP ping
	MaxConcurrent int           // 0 means 8
}

// PingProvider probes every ping_ip device; any answering device of a
// person counts as one sighting.
type PingProvider struct {
	devices DeviceLister
	cfg     PingConfig
	probe   ProbeFunc
	now     func() time.Time
	log     logx.Logger
}

type PingOption func(*PingProvider)

func WithProbe(fn ProbeFunc) PingOption { return func(p *PingProvider) { p.probe = fn } }

func WithPingClock(now func() time.Time) PingOption { return func(p *PingProvider) { p.now = now } }

func NewPingProvider(devices DeviceLister, cfg PingConfig, log logx.Logger, opts ...PingOption) *PingProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &PingProvider{
		devices: devices,
		cfg:     cfg,
		now:     time.Now,
		log:     log.With(logx.String("provider", "ping")),
	}
	p.probe = ICMPProbe(cfg.Privileged)
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *PingProvider) Name() string { return "ping" }

// Poll fails only when every probe returned an error, which usually means
// ICMP sockets are not permitted.
func (p *PingProvider) Poll(ctx context.Context) ([]Sighting, error) {
	devs, err := p.devices.ListDevices(ctx, storage.DevicePingIP)
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		seen     = map[int64]struct{}{}
		failures []error
		sem      = make(chan struct{}, p.cfg.MaxConcurrent)
	)
	for _, d := range devs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func(d storage.Device) {
			defer wg.Done()
			defer func() { <-sem }()

			alive, err := p.probe(ctx, d.Value, p.cfg.Timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.log.Debug("probe failed", logx.String("addr", d.Value), logx.Err(err))
				failures = append(failures, err)
				return
			}
			if alive {
				seen[d.PersonID] = struct{}{}
			}
		}(d)
	}
	wg.Wait()

	if len(failures) == len(devs) {
		return nil, errors.Join(failures...)
	}
	return sightingsFor(seen, p.now()), nil
}

// ICMPProbe sends two echo requests with pro-bing and reports whether any
// reply arrived.
func ICMPProbe(privileged bool) ProbeFunc {
	return func(ctx context.Context, addr string, timeout time.Duration) (bool, error) {
		pinger, err := probing.NewPinger(addr)
		if err != nil {
			return false, err
		}
		pinger.Count = 2
		pinger.Interval = 200 * time.Millisecond
		pinger.Timeout = timeout
		pinger.SetPrivileged(privileged)
		if err := pinger.RunWithContext(ctx); err != nil {
			return false, err
		}
		return pinger.Statistics().PacketsRecv > 0, nil
	}
}
