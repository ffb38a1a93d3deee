package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	alertMax      = 3500
	alertValueMax = 600
)

// alertWriter queues chat alerts for events at or above the forward level.
// It never blocks the log call: a full queue or an exhausted limiter drops
// the alert.
type alertWriter struct{ svc *Service }

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	lim, minLvl, attached := s.limiter, s.minLevel, s.forwarder != nil
	s.mu.Unlock()

	if !attached || level < minLvl || !lim.Allow() {
		return len(p), nil
	}
	if text := alertText(p); text != "" {
		select {
		case s.alerts <- text:
		default:
		}
	}
	return len(p), nil
}

// alertText turns one JSON log line into a chat message:
//
//	⚠️ presence: provider poll failed
//	err=exit status 1
//	provider=ble
func alertText(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return truncate(line, alertMax)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl == zerolog.LevelErrorValue {
		b.WriteString("🔴 ")
	} else {
		b.WriteString("⚠️ ")
	}
	if comp, _ := m["comp"].(string); comp != "" {
		b.WriteString(comp)
		b.WriteString(": ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp", "caller", "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, truncate(fmt.Sprint(m[k]), alertValueMax))
	}
	return truncate(b.String(), alertMax)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n-3], "") + "..."
}
