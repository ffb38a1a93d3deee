// Package control implements the operator operations behind chat commands:
// creating and managing rules, pairing devices and presence reports.
//
// Every mutating operation writes an audit entry.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"homepi/internal/notify"
	"homepi/internal/presence"
	"homepi/internal/rules"
	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

// ErrAlreadyRegistered is returned when a device value is already paired.
var ErrAlreadyRegistered = errors.New("device already registered")

type Store interface {
	UpsertPerson(ctx context.Context, externalID, name string) (storage.Person, bool, error)
	PersonByID(ctx context.Context, id int64) (storage.Person, error)
	PersonByExternalID(ctx context.Context, externalID string) (storage.Person, error)
	PersonByName(ctx context.Context, name string) (storage.Person, error)
	ListPeople(ctx context.Context) ([]storage.Person, error)
	AddDevice(ctx context.Context, personID int64, kind storage.DeviceKind, value string) (storage.Device, error)
	ListDevices(ctx context.Context, kind storage.DeviceKind) ([]storage.Device, error)

	CreateRule(ctx context.Context, r rules.Rule, nextRun *time.Time) (rules.Rule, error)
	GetRule(ctx context.Context, id int64) (rules.Rule, error)
	ListRules(ctx context.Context) ([]storage.RuleView, error)
	DeleteRule(ctx context.Context, id int64) error
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error
	JobByRule(ctx context.Context, ruleID int64) (storage.Job, error)
	RescheduleJob(ctx context.Context, jobID int64, next time.Time, ranAt *time.Time) error
	ListJobs(ctx context.Context) ([]storage.JobView, error)

	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Actor is whoever issued a command.
type Actor struct {
	ExternalID string
	Name       string
}

type Service struct {
	store    Store
	presence notify.PresenceSnapshot
	detail   func() []presence.PersonStatus
	log      logx.Logger
	now      func() time.Time

	mu  sync.RWMutex
	loc *time.Location
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithPresenceDetail adds last-seen times and pending transitions to WhoHome.
func WithPresenceDetail(fn func() []presence.PersonStatus) Option {
	return func(s *Service) { s.detail = fn }
}

func New(store Store, presence notify.PresenceSnapshot, loc *time.Location, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	if presence == nil {
		presence = func() map[int64]storage.PresenceState { return nil }
	}
	s := &Service{
		store:    store,
		presence: presence,
		log:      log.With(logx.String("comp", "control")),
		now:      time.Now,
		loc:      loc,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetLocation changes the zone used to read times and cron expressions.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	s.loc = loc
	s.mu.Unlock()
}

// Location is the zone times are read and shown in.
func (s *Service) Location() *time.Location { return s.location() }

func (s *Service) location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

// audit records a mutating operation. Audit failures are logged only.
func (s *Service) audit(ctx context.Context, actor Actor, action, target string, started time.Time, err error) {
	e := storage.AuditEntry{
		At:        s.now(),
		ActorID:   actor.ExternalID,
		ActorName: actor.Name,
		Action:    action,
		Target:    target,
		OK:        err == nil,
		Took:      time.Since(started),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
