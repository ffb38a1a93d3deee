package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"homepi/internal/arrival"
	"homepi/internal/config"
	"homepi/internal/notify"
	"homepi/internal/presence"
	"homepi/internal/scheduler"
	"homepi/internal/storage"
	kit "homepi/internal/transport"
	"homepi/internal/transport/telegram/router"
	logx "homepi/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Forward: logx.ForwardConfig{
			Enabled:    l.Forward.Enabled,
			MinLevel:   l.Forward.MinLevel,
			RatePerSec: l.Forward.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required (or set %s)", config.EnvDBPath)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapPresence(cfg *config.Config) (presence.Config, error) {
	p := cfg.Presence
	interval, err := config.ParseDurationOrDefault("presence.interval", p.Interval, 30*time.Second)
	if err != nil {
		return presence.Config{}, err
	}
	debounce, err := config.ParseDurationOrDefault("presence.debounce", p.Debounce, 60*time.Second)
	if err != nil {
		return presence.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("presence.home_ttl", p.HomeTTL, 180*time.Second)
	if err != nil {
		return presence.Config{}, err
	}
	tick, err := config.ParseDurationOrDefault("presence.tick_timeout", p.TickTimeout, interval)
	if err != nil {
		return presence.Config{}, err
	}
	provider, err := config.ParseDurationOrDefault("presence.provider_timeout", p.ProviderTimeout, 15*time.Second)
	if err != nil {
		return presence.Config{}, err
	}
	if limit := tick * 3 / 4; provider > limit {
		provider = limit
	}
	return presence.Config{
		Interval:        interval,
		Debounce:        debounce,
		HomeTTL:         ttl,
		TickTimeout:     tick,
		ProviderTimeout: provider,
	}, nil
}

func mapPing(cfg *config.Config) (presence.PingConfig, error) {
	p := cfg.Presence.Ping
	if p.MaxConcurrent < 0 {
		return presence.PingConfig{}, errors.New("presence.ping.max_concurrent must be >= 0")
	}
	timeout, err := config.ParseDurationField("presence.ping.timeout", p.Timeout)
	if err != nil {
		return presence.PingConfig{}, err
	}
	return presence.PingConfig{Timeout: timeout, Privileged: p.Privileged, MaxConcurrent: p.MaxConcurrent}, nil
}

func mapBLE(cfg *config.Config, pc presence.Config) (time.Duration, presence.BluetoothctlScanner, error) {
	b := cfg.Presence.BLE
	scan, err := config.ParseDurationOrDefault("presence.ble.scan_duration", b.ScanDuration, 5*time.Second)
	if err != nil {
		return 0, presence.BluetoothctlScanner{}, err
	}
	if b.Enabled && scan >= pc.ProviderTimeout {
		return 0, presence.BluetoothctlScanner{}, fmt.Errorf("presence.ble.scan_duration (%s) must be shorter than the provider timeout (%s)", scan, pc.ProviderTimeout)
	}
	return scan, presence.BluetoothctlScanner{Command: strings.TrimSpace(b.Command)}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	interval, err := config.ParseDurationOrDefault("scheduler.interval", s.Interval, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	send, err := config.ParseDurationField("scheduler.send_timeout", s.SendTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	play, err := config.ParseDurationField("scheduler.play_timeout", s.PlayTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Interval: interval, Location: loc, SendTimeout: send, PlayTimeout: play}, nil
}

// mapArrival shares the scheduler's delivery timeouts.
func mapArrival(sc scheduler.Config) arrival.Config {
	return arrival.Config{SendTimeout: sc.SendTimeout, PlayTimeout: sc.PlayTimeout}
}

func mapSound(cfg *config.Config) notify.SoundConfig {
	return notify.SoundConfig{
		Player:     strings.TrimSpace(cfg.Sound.Player),
		Downloader: strings.TrimSpace(cfg.Sound.Downloader),
	}
}

func mapNotifier(cfg *config.Config) notify.TelegramConfig {
	return notify.TelegramConfig{
		Target:     kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		RatePerSec: cfg.Telegram.RatePerSec,
	}
}

func mapRouter(cfg *config.Config) router.Options {
	return router.Options{ChatID: cfg.Telegram.ChatID, Owners: cfg.Telegram.OwnerUserIDs}
}

// validate rejects configs that cannot run. It is also the hot-reload
// gate, so a bad edit keeps the previous config.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", config.EnvTelegramToken)
	}
	if cfg.Telegram.ChatID == 0 {
		return errors.New("telegram.chat_id is required")
	}
	if cfg.Telegram.RatePerSec < 0 {
		return errors.New("telegram.rate_per_sec must be >= 0")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	pc, err := mapPresence(cfg)
	if err != nil {
		return err
	}
	if _, err := mapPing(cfg); err != nil {
		return err
	}
	if _, _, err := mapBLE(cfg, pc); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	return nil
}
