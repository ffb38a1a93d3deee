package rules

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Persisted JSON shapes. Field names are part of the on-disk format.

type triggerJSON struct {
	DatetimeISO string `json:"datetime_iso,omitempty"`
	Cron        string `json:"cron,omitempty"`
	PersonID    int64  `json:"person_id,omitempty"`
}

type actionJSON struct {
	Message        string `json:"message,omitempty"`
	Sound          string `json:"sound,omitempty"`
	TargetPersonID int64  `json:"target_person_id,omitempty"`
	RequireHome    bool   `json:"require_home,omitempty"`
}

func EncodeTrigger(t Trigger) (TriggerType, string, error) {
	var j triggerJSON
	switch tt := t.(type) {
	case TimeTrigger:
		switch {
		case tt.Cron != "" && !tt.At.IsZero():
			return "", "", invalid("trigger", "time trigger has both datetime and cron")
		case tt.Cron != "":
			j.Cron = tt.Cron
		case !tt.At.IsZero():
			j.DatetimeISO = tt.At.UTC().Format(time.RFC3339)
		default:
			return "", "", invalid("trigger", "time trigger needs a datetime or a cron expression")
		}
	case ArrivalTrigger:
		if tt.PersonID <= 0 {
			return "", "", invalid("trigger", "arrival trigger needs a person")
		}
		j.PersonID = tt.PersonID
	default:
		return "", "", invalid("trigger", "unknown trigger %T", t)
	}
	b, err := json.Marshal(j)
	if err != nil {
		return "", "", err
	}
	return t.Type(), string(b), nil
}

func DecodeTrigger(typ TriggerType, raw string) (Trigger, error) {
	var j triggerJSON
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("decode %s trigger: %w", typ, err)
	}
	switch typ {
	case TriggerTime:
		if c := strings.TrimSpace(j.Cron); c != "" {
			return TimeTrigger{Cron: c}, nil
		}
		if j.DatetimeISO == "" {
			return nil, fmt.Errorf("decode time trigger: empty")
		}
		at, err := time.Parse(time.RFC3339, j.DatetimeISO)
		if err != nil {
			return nil, fmt.Errorf("decode time trigger: %w", err)
		}
		return TimeTrigger{At: at}, nil
	case TriggerArrival:
		if j.PersonID <= 0 {
			return nil, fmt.Errorf("decode arrival trigger: missing person_id")
		}
		return ArrivalTrigger{PersonID: j.PersonID}, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", typ)
	}
}

func EncodeAction(a Action) (string, error) {
	b, err := json.Marshal(actionJSON{
		Message:        a.Message,
		Sound:          a.Sound,
		TargetPersonID: a.TargetPersonID,
		RequireHome:    a.RequireHome,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeAction(raw string) (Action, error) {
	var j actionJSON
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return Action{}, fmt.Errorf("decode action: %w", err)
	}
	return Action{
		Message:        j.Message,
		Sound:          j.Sound,
		TargetPersonID: j.TargetPersonID,
		RequireHome:    j.RequireHome,
	}, nil
}

// ValidateAction checks the fields every rule needs regardless of trigger.
func ValidateAction(a Action) error {
	if strings.TrimSpace(a.Message) == "" && strings.TrimSpace(a.Sound) == "" {
		return invalid("action", "a message or a sound is required")
	}
	// the notifier turns a leading token into a mention of that user
	if strings.HasPrefix(strings.TrimSpace(a.Message), "<@") {
		return invalid("message", "cannot start with <@")
	}
	return nil
}
