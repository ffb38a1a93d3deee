package rules

import "time"

type TriggerType string

const (
	TriggerTime    TriggerType = "time"
	TriggerArrival TriggerType = "arrival"
)

func (t TriggerType) Valid() bool { return t == TriggerTime || t == TriggerArrival }

// Trigger is either a TimeTrigger or an ArrivalTrigger.
type Trigger interface {
	Type() TriggerType
	isTrigger()
}

// TimeTrigger fires once at At, or repeatedly on Cron. Exactly one is set.
type TimeTrigger struct {
	At   time.Time
	Cron string
}

func (TimeTrigger) Type() TriggerType { return TriggerTime }
func (TimeTrigger) isTrigger()        {}

func (t TimeTrigger) IsCron() bool { return t.Cron != "" }

// ArrivalTrigger fires when PersonID commits an away -> home transition.
type ArrivalTrigger struct {
	PersonID int64
}

func (ArrivalTrigger) Type() TriggerType { return TriggerArrival }
func (ArrivalTrigger) isTrigger()        {}

// Action is what a rule does when it fires. TargetPersonID 0 means no target.
type Action struct {
	Message        string
	Sound          string
	TargetPersonID int64
	RequireHome    bool
}

func (a Action) HasTarget() bool { return a.TargetPersonID > 0 }

// Gated reports whether firing depends on the target being home.
func (a Action) Gated() bool { return a.RequireHome && a.HasTarget() }

type Rule struct {
	ID        int64
	Name      string
	Trigger   Trigger
	Action    Action
	Enabled   bool
	CreatedBy int64
	CreatedAt time.Time
}

func (r Rule) Type() TriggerType {
	if r.Trigger == nil {
		return ""
	}
	return r.Trigger.Type()
}

// Cron returns the rule's cron expression, or "" for one-shot and arrival rules.
func (r Rule) Cron() string {
	if tt, ok := r.Trigger.(TimeTrigger); ok {
		return tt.Cron
	}
	return ""
}
