package presence

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

// Scanner performs one bounded BLE scan and returns the MAC addresses it
// observed.
type Scanner interface {
	Scan(ctx context.Context, d time.Duration) ([]string, error)
}

var macRE = regexp.MustCompile(`(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}`)

// BluetoothctlScanner runs `bluetoothctl --timeout N scan on` (BlueZ).
type BluetoothctlScanner struct {
	Command string // default "bluetoothctl"
}

func (s BluetoothctlScanner) Scan(ctx context.Context, d time.Duration) ([]string, error) {
	cmd := s.Command
	if cmd == "" {
		cmd = "bluetoothctl"
	}
	secs := max(int(d.Round(time.Second)/time.Second), 1)

	// the process exits by itself after --timeout; the grace covers startup
	ctx, cancel := context.WithTimeout(ctx, time.Duration(secs)*time.Second+3*time.Second)
	defer cancel()

	var out bytes.Buffer
	c := exec.CommandContext(ctx, cmd, "--timeout", strconv.Itoa(secs), "scan", "on")
	c.Stdout = &out
	c.Stderr = &out
	err := c.Run()
	macs := parseMACs(out.String())
	if err != nil {
		// a scan killed at the deadline still produced usable output
		var exitErr *exec.ExitError
		if len(macs) > 0 && (errors.As(err, &exitErr) || ctx.Err() != nil) {
			return macs, nil
		}
		return nil, err
	}
	return macs, nil
}

func parseMACs(out string) []string {
	return macRE.FindAllString(out, -1)
}

// BLEProvider matches scanned MACs against ble_mac devices.
type BLEProvider struct {
	devices  DeviceLister
	scanner  Scanner
	duration time.Duration
	now      func() time.Time
	log      logx.Logger
}

type BLEOption func(*BLEProvider)

func WithBLEClock(now func() time.Time) BLEOption { return func(p *BLEProvider) { p.now = now } }

func NewBLEProvider(devices DeviceLister, scanner Scanner, scanDuration time.Duration, log logx.Logger, opts ...BLEOption) *BLEProvider {
	if scanDuration <= 0 {
		scanDuration = 5 * time.Second
	}
	if scanner == nil {
		scanner = BluetoothctlScanner{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &BLEProvider{
		devices:  devices,
		scanner:  scanner,
		duration: scanDuration,
		now:      time.Now,
		log:      log.With(logx.String("provider", "ble")),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *BLEProvider) Name() string { return "ble" }

// ScanDuration is how long one poll takes; the provider timeout must be
// longer.
func (p *BLEProvider) ScanDuration() time.Duration { return p.duration }

func (p *BLEProvider) Poll(ctx context.Context) ([]Sighting, error) {
	devs, err := p.devices.ListDevices(ctx, storage.DeviceBLEMAC)
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		return nil, nil
	}

	macs, err := p.scanner.Scan(ctx, p.duration)
	if err != nil {
		return nil, err
	}
	observed := make(map[string]struct{}, len(macs))
	for _, m := range macs {
		observed[strings.ToUpper(m)] = struct{}{}
	}

	seen := map[int64]struct{}{}
	for _, d := range devs {
		if _, ok := observed[strings.ToUpper(d.Value)]; ok {
			seen[d.PersonID] = struct{}{}
		}
	}
	p.log.Debug("ble scan done", logx.Int("observed", len(observed)), logx.Int("matched", len(seen)))
	return sightingsFor(seen, p.now()), nil
}
