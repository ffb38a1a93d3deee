package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"homepi/internal/rules"
	"homepi/internal/storage"
	logx "homepi/pkg/logx"
)

// RuleRequest is a structured rule creation request.
//
// Time rules set exactly one of At and Cron. Arrival rules name the person
// in Who; empty means the creator. Target names who is mentioned; empty
// means the creator when they are registered.
type RuleRequest struct {
	Actor       Actor
	Type        rules.TriggerType
	At          string
	Cron        string
	Who         string
	Message     string
	Sound       string
	Target      string
	RequireHome bool
}

// Created describes a new rule.
type Created struct {
	Rule    rules.Rule
	NextRun *time.Time
}

func (s *Service) CreateRule(ctx context.Context, req RuleRequest) (c Created, err error) {
	started := time.Now()
	defer func() {
		target := ""
		if c.Rule.ID != 0 {
			target = "rule:" + strconv.FormatInt(c.Rule.ID, 10)
		}
		s.audit(ctx, req.Actor, "rule.create", target, started, err)
	}()

	act := rules.Action{
		Message:     strings.TrimSpace(req.Message),
		Sound:       strings.TrimSpace(req.Sound),
		RequireHome: req.RequireHome,
	}
	if err := rules.ValidateAction(act); err != nil {
		return Created{}, err
	}

	creator, registered, err := s.creator(ctx, req.Actor)
	if err != nil {
		return Created{}, err
	}

	switch {
	case strings.TrimSpace(req.Target) != "":
		p, err := s.personNamed(ctx, "target", req.Target)
		if err != nil {
			return Created{}, err
		}
		act.TargetPersonID = p.ID
	case registered:
		act.TargetPersonID = creator.ID
	}

	now := s.now()
	var (
		trig rules.Trigger
		next *time.Time
	)
	switch req.Type {
	case rules.TriggerTime:
		if act.RequireHome && !act.HasTarget() {
			return Created{}, &rules.ValidationError{Field: "target", Reason: "a home-only reminder needs a registered target"}
		}
		tt, at, err := s.timeTrigger(req, now)
		if err != nil {
			return Created{}, err
		}
		trig, next = tt, &at
	case rules.TriggerArrival:
		who := creator
		if strings.TrimSpace(req.Who) != "" {
			if who, err = s.personNamed(ctx, "person", req.Who); err != nil {
				return Created{}, err
			}
		} else if !registered {
			return Created{}, &rules.NotFoundError{Kind: "person", ID: req.Actor.ExternalID}
		}
		// arriving means home already
		act.RequireHome = false
		trig = rules.ArrivalTrigger{PersonID: who.ID}
	default:
		return Created{}, &rules.ValidationError{Field: "trigger", Reason: fmt.Sprintf("unknown type %q", req.Type)}
	}

	r := rules.Rule{
		Name:      rules.Name(req.Type, act),
		Trigger:   trig,
		Action:    act,
		Enabled:   true,
		CreatedAt: now,
	}
	if registered {
		r.CreatedBy = creator.ID
	}
	r, err = s.store.CreateRule(ctx, r, next)
	if err != nil {
		return Created{}, fmt.Errorf("create rule: %w", err)
	}
	s.log.Info("rule created", logx.Int64("rule_id", r.ID), logx.String("type", string(req.Type)), logx.String("actor", req.Actor.ExternalID))
	return Created{Rule: r, NextRun: next}, nil
}

func (s *Service) timeTrigger(req RuleRequest, now time.Time) (rules.TimeTrigger, time.Time, error) {
	at, expr := strings.TrimSpace(req.At), strings.TrimSpace(req.Cron)
	loc := s.location()
	switch {
	case at != "" && expr != "":
		return rules.TimeTrigger{}, time.Time{}, &rules.ValidationError{Field: "trigger", Reason: "give either a time or a cron expression, not both"}
	case expr != "":
		norm, err := rules.NormalizeCron(expr)
		if err != nil {
			return rules.TimeTrigger{}, time.Time{}, err
		}
		next, err := rules.NextCron(norm, now, loc)
		if err != nil {
			return rules.TimeTrigger{}, time.Time{}, &rules.ValidationError{Field: "cron", Reason: err.Error()}
		}
		return rules.TimeTrigger{Cron: norm}, next, nil
	case at != "":
		t, err := rules.ParseAt(at, now, loc)
		if err != nil {
			return rules.TimeTrigger{}, time.Time{}, err
		}
		if !t.After(now) {
			return rules.TimeTrigger{}, time.Time{}, &rules.ValidationError{Field: "time", Reason: t.In(loc).Format("2006-01-02 15:04") + " is in the past"}
		}
		return rules.TimeTrigger{At: t}, t, nil
	default:
		return rules.TimeTrigger{}, time.Time{}, &rules.ValidationError{Field: "time", Reason: "a time or a cron expression is required"}
	}
}

func (s *Service) creator(ctx context.Context, a Actor) (storage.Person, bool, error) {
	if strings.TrimSpace(a.ExternalID) == "" {
		return storage.Person{}, false, nil
	}
	p, err := s.store.PersonByExternalID(ctx, a.ExternalID)
	switch {
	case err == nil:
		return p, true, nil
	case errors.Is(err, storage.ErrNotFound):
		return storage.Person{}, false, nil
	default:
		return storage.Person{}, false, err
	}
}

// personNamed resolves a person by display name. Unknown names are
// validation errors.
func (s *Service) personNamed(ctx context.Context, field, name string) (storage.Person, error) {
	p, err := s.store.PersonByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Person{}, &rules.ValidationError{Field: field, Reason: fmt.Sprintf("unknown person %q", strings.TrimSpace(name))}
	}
	return p, err
}

func (s *Service) DeleteRule(ctx context.Context, actor Actor, id int64) (err error) {
	started := time.Now()
	defer func() { s.audit(ctx, actor, "rule.delete", "rule:"+strconv.FormatInt(id, 10), started, err) }()

	if err := s.store.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &rules.NotFoundError{Kind: "rule", ID: "#" + strconv.FormatInt(id, 10)}
		}
		return err
	}
	s.log.Info("rule deleted", logx.Int64("rule_id", id), logx.String("actor", actor.ExternalID))
	return nil
}

// SetRuleEnabled turns a rule on or off. Re-enabling a cron rule moves its
// next run past now so missed occurrences do not fire at once.
func (s *Service) SetRuleEnabled(ctx context.Context, actor Actor, id int64, enabled bool) (err error) {
	started := time.Now()
	action := "rule.disable"
	if enabled {
		action = "rule.enable"
	}
	defer func() { s.audit(ctx, actor, action, "rule:"+strconv.FormatInt(id, 10), started, err) }()

	if err := s.store.SetRuleEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &rules.NotFoundError{Kind: "rule", ID: "#" + strconv.FormatInt(id, 10)}
		}
		return err
	}
	if enabled {
		s.catchUp(ctx, id)
	}
	s.log.Info("rule toggled", logx.Int64("rule_id", id), logx.Bool("enabled", enabled))
	return nil
}

func (s *Service) catchUp(ctx context.Context, ruleID int64) {
	r, err := s.store.GetRule(ctx, ruleID)
	if err != nil || r.Cron() == "" {
		return
	}
	job, err := s.store.JobByRule(ctx, ruleID)
	if err != nil || job.Status != storage.JobPending {
		return
	}
	now := s.now()
	if job.NextRunAt != nil && job.NextRunAt.After(now) {
		return
	}
	next, err := rules.NextCron(r.Cron(), now, s.location())
	if err != nil {
		return
	}
	if err := s.store.RescheduleJob(ctx, job.ID, next, nil); err != nil {
		s.log.Warn("job catch-up failed", logx.Int64("rule_id", ruleID), logx.Err(err))
	}
}

// ListRules renders one line per rule: id, trigger type, when it fires and
// the action, then the job status once it left pending and [off] for
// disabled rules.
func (s *Service) ListRules(ctx context.Context) (string, error) {
	views, err := s.store.ListRules(ctx)
	if err != nil {
		return "", err
	}
	if len(views) == 0 {
		return "No rules yet.", nil
	}
	names := s.personNames(ctx)
	loc := s.location()

	var b strings.Builder
	for i, v := range views {
		if i > 0 {
			b.WriteByte('\n')
		}
		r := v.Rule
		fmt.Fprintf(&b, "#%d [%s] %s — %s", r.ID, ruleType(r), describeWhen(r, v.Job, names, loc), describeAction(r.Action, names))
		if v.Job != nil && v.Job.Status != storage.JobPending {
			b.WriteString(" (" + string(v.Job.Status))
			if v.Job.LastError != "" {
				b.WriteString(": " + v.Job.LastError)
			}
			b.WriteByte(')')
		}
		if !r.Enabled {
			b.WriteString(" [off]")
		}
	}
	return b.String(), nil
}

func ruleType(r rules.Rule) string {
	if t := r.Type(); t != "" {
		return string(t)
	}
	return "?"
}

func describeWhen(r rules.Rule, job *storage.Job, names map[int64]string, loc *time.Location) string {
	switch t := r.Trigger.(type) {
	case rules.ArrivalTrigger:
		return "when " + nameOf(names, t.PersonID) + " arrives"
	case rules.TimeTrigger:
		if t.IsCron() {
			s := "cron " + t.Cron
			if job != nil && job.NextRunAt != nil && job.Status == storage.JobPending {
				s += ", next " + job.NextRunAt.In(loc).Format("2006-01-02 15:04")
			}
			return s
		}
		return t.At.In(loc).Format("2006-01-02 15:04")
	default:
		return "unreadable rule"
	}
}

func describeAction(a rules.Action, names map[int64]string) string {
	var parts []string
	if a.Message != "" {
		parts = append(parts, strconv.Quote(a.Message))
	}
	if a.Sound != "" {
		parts = append(parts, "♪ "+a.Sound)
	}
	if a.HasTarget() {
		to := "for " + nameOf(names, a.TargetPersonID)
		if a.RequireHome {
			to += " (if home)"
		}
		parts = append(parts, to)
	}
	if len(parts) == 0 {
		return "(no action)"
	}
	return strings.Join(parts, " ")
}

func nameOf(names map[int64]string, id int64) string {
	if n, ok := names[id]; ok {
		return n
	}
	return "person " + strconv.FormatInt(id, 10)
}

func (s *Service) personNames(ctx context.Context) map[int64]string {
	people, err := s.store.ListPeople(ctx)
	if err != nil {
		s.log.Warn("people lookup failed", logx.Err(err))
		return nil
	}
	out := make(map[int64]string, len(people))
	for _, p := range people {
		out[p.ID] = p.Name
	}
	return out
}
