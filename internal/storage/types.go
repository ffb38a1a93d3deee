package storage

import (
	"errors"
	"time"

	"homepi/internal/rules"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

type DeviceKind string

const (
	DevicePingIP DeviceKind = "ping_ip"
	DeviceBLEMAC DeviceKind = "ble_mac"
)

func (k DeviceKind) Valid() bool { return k == DevicePingIP || k == DeviceBLEMAC }

type PresenceState string

const (
	StateHome PresenceState = "home"
	StateAway PresenceState = "away"
)

type Person struct {
	ID         int64
	ExternalID string
	Name       string
	CreatedAt  time.Time
}

type Device struct {
	ID       int64
	PersonID int64
	Kind     DeviceKind
	Value    string
}

type PresenceEvent struct {
	ID       int64
	PersonID int64
	State    PresenceState
	At       time.Time
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is the scheduling state of a time rule. Nil times are unset.
type Job struct {
	ID        int64
	RuleID    int64
	NextRunAt *time.Time
	Status    JobStatus
	LastRunAt *time.Time
	LastError string
}

// JobView is a job joined with its rule. DecodeErr is set when the rule's
// stored trigger or action could not be decoded; Rule then only carries
// ID, Name and Enabled.
type JobView struct {
	Job       Job
	Rule      rules.Rule
	DecodeErr error
}

// RuleView is a rule with its job (nil for arrival rules).
type RuleView struct {
	Rule rules.Rule
	Job  *Job
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At        time.Time
	ActorID   string
	ActorName string
	Action    string
	Target    string
	OK        bool
	Error     string
	Took      time.Duration
}
