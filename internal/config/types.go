package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Presence  PresenceConfig  `json:"presence"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sound     SoundConfig     `json:"sound"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

// Duration is a config duration.
//
// It accepts either a Go duration string ("30s", "2m") or a bare number,
// which is read as seconds. Both "60" and 60 mean one minute.
type Duration string

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*d = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Duration(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
	}
	*d = Duration(n.String())
	return nil
}

type TelegramConfig struct {
	// Token may also be supplied through HOMEPI_TELEGRAM_TOKEN.
	Token string `json:"token"`
	// ChatID is the household chat: commands are only accepted there and
	// rule notifications are delivered there.
	ChatID       int64    `json:"chat_id"`
	ThreadID     int      `json:"thread_id,omitempty"`
	OwnerUserIDs []int64  `json:"owner_user_ids"`
	PollTimeout  Duration `json:"poll_timeout"`
	RatePerSec   int      `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward copies warnings and errors into the household chat.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PresenceConfig controls the presence state machine and its providers.
//
// Defaults (when omitted/zero):
//   - interval: 30s
//   - debounce: 60s
//   - home_ttl: 180s
//   - tick_timeout: interval
//   - provider_timeout: 15s
type PresenceConfig struct {
	Enabled         bool     `json:"enabled"`
	Interval        Duration `json:"interval"`
	Debounce        Duration `json:"debounce"`
	HomeTTL         Duration `json:"home_ttl"`
	TickTimeout     Duration `json:"tick_timeout,omitempty"`
	ProviderTimeout Duration `json:"provider_timeout,omitempty"`

	Ping PingConfig `json:"ping"`
	BLE  BLEConfig  `json:"ble"`
}

type PingConfig struct {
	Enabled       bool     `json:"enabled"`
	Timeout       Duration `json:"timeout,omitempty"`
	Privileged    bool     `json:"privileged,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

type BLEConfig struct {
	Enabled      bool     `json:"enabled"`
	ScanDuration Duration `json:"scan_duration,omitempty"`
	// Command is the scanner binary (default "bluetoothctl").
	Command string `json:"command,omitempty"`
}

// SchedulerConfig controls the rule job scheduler.
//
// Defaults (when omitted/zero):
//   - interval: 30s
//   - send_timeout: 15s
//   - play_timeout: 5m
//   - timezone: local
type SchedulerConfig struct {
	Enabled     bool     `json:"enabled"`
	Interval    Duration `json:"interval"`
	Timezone    string   `json:"timezone,omitempty"`
	SendTimeout Duration `json:"send_timeout,omitempty"`
	PlayTimeout Duration `json:"play_timeout,omitempty"`
}

type SoundConfig struct {
	Enabled bool `json:"enabled"`
	// Player is the playback binary (default "ffplay").
	Player string `json:"player,omitempty"`
	// Downloader streams remote URLs into the player (default "yt-dlp").
	Downloader string `json:"downloader,omitempty"`
}

// StorageConfig controls the SQLite database.
//
// Example:
//
//	"storage": { "path": "./data/homepi.db", "busy_timeout": "5s" }
type StorageConfig struct {
	// Path may also be supplied through HOMEPI_DB_PATH.
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

// MetricsConfig controls the optional Prometheus endpoint.
// Prefer binding to localhost (e.g. "127.0.0.1:9464").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog,omitempty"`
}
