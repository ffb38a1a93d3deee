package config

import (
	"reflect"
	"strings"

	logx "homepi/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	oT, nT := oldCfg.Telegram, newCfg.Telegram
	oT.Token, nT.Token = "", ""
	if !reflect.DeepEqual(oT, nT) || (oldCfg.Telegram.Token == "") != (newCfg.Telegram.Token == "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int64("telegram.chat_id", nT.ChatID),
			logx.Int("telegram.owner_count", len(nT.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", string(nT.PollTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Presence, newCfg.Presence) {
		changed = append(changed, "presence")
		p := newCfg.Presence
		attrs = append(attrs,
			logx.Bool("presence.enabled", p.Enabled),
			logx.String("presence.interval", string(p.Interval)),
			logx.String("presence.debounce", string(p.Debounce)),
			logx.String("presence.home_ttl", string(p.HomeTTL)),
			logx.Bool("presence.ping", p.Ping.Enabled),
			logx.Bool("presence.ble", p.BLE.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.interval", string(s.Interval)),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sound, newCfg.Sound) {
		changed = append(changed, "sound")
		attrs = append(attrs, logx.Bool("sound.enabled", newCfg.Sound.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}

	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "metrics", "systemd":
			out = append(out, s)
		}
	}
	return out
}
