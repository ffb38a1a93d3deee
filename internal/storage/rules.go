package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"homepi/internal/rules"
	logx "homepi/pkg/logx"
)

const ruleCols = `r.id, r.name, r.trigger_type, r.trigger_json, r.action_json, r.enabled, r.created_by, r.created_at`

const jobCols = `j.id, j.rule_id, j.next_run_ts, j.status, j.last_run_ts, j.last_error`

type ruleRow struct {
	id          int64
	name        string
	triggerType string
	triggerJSON string
	actionJSON  string
	enabled     bool
	createdBy   sql.NullInt64
	createdAt   int64
}

func (r *ruleRow) dest() []any {
	return []any{&r.id, &r.name, &r.triggerType, &r.triggerJSON, &r.actionJSON, &r.enabled, &r.createdBy, &r.createdAt}
}

// decode converts the row into a rules.Rule. On error the returned rule still
// carries the identifying columns.
func (r *ruleRow) decode() (rules.Rule, error) {
	out := rules.Rule{
		ID:        r.id,
		Name:      r.name,
		Enabled:   r.enabled,
		CreatedBy: r.createdBy.Int64,
		CreatedAt: time.Unix(r.createdAt, 0),
	}
	trig, err := rules.DecodeTrigger(rules.TriggerType(r.triggerType), r.triggerJSON)
	if err != nil {
		return out, fmt.Errorf("rule %d: %w", r.id, err)
	}
	act, err := rules.DecodeAction(r.actionJSON)
	if err != nil {
		return out, fmt.Errorf("rule %d: %w", r.id, err)
	}
	out.Trigger = trig
	out.Action = act
	return out, nil
}

type jobRow struct {
	id        int64
	ruleID    int64
	nextRun   sql.NullInt64
	status    string
	lastRun   sql.NullInt64
	lastError sql.NullString
}

func (j *jobRow) dest() []any {
	return []any{&j.id, &j.ruleID, &j.nextRun, &j.status, &j.lastRun, &j.lastError}
}

func (j *jobRow) job() Job {
	return Job{
		ID:        j.id,
		RuleID:    j.ruleID,
		NextRunAt: timePtr(j.nextRun),
		Status:    JobStatus(j.status),
		LastRunAt: timePtr(j.lastRun),
		LastError: j.lastError.String,
	}
}

// CreateRule stores a rule and, for time rules, its job scheduled at
// nextRun (nil leaves next_run_ts unset). Both rows are written in one
// transaction.
func (s *Store) CreateRule(ctx context.Context, r rules.Rule, nextRun *time.Time) (rules.Rule, error) {
	typ, trigJSON, err := rules.EncodeTrigger(r.Trigger)
	if err != nil {
		return rules.Rule{}, err
	}
	actJSON, err := rules.EncodeAction(r.Action)
	if err != nil {
		return rules.Rule{}, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	var createdBy any
	if r.CreatedBy > 0 {
		createdBy = r.CreatedBy
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rules(name, trigger_type, trigger_json, action_json, enabled, created_by, created_at)
			 VALUES(?,?,?,?,?,?,?)`,
			r.Name, typ, trigJSON, actJSON, r.Enabled, createdBy, r.CreatedAt.Unix())
		if err != nil {
			return err
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if typ != rules.TriggerTime {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scheduled_jobs(rule_id, next_run_ts, status) VALUES(?, ?, ?)`,
			r.ID, nullUnix(nextRun), JobPending)
		return err
	})
	if err != nil {
		return rules.Rule{}, err
	}
	r.CreatedAt = time.Unix(r.CreatedAt.Unix(), 0)
	return r, nil
}

func (s *Store) GetRule(ctx context.Context, id int64) (rules.Rule, error) {
	var rr ruleRow
	err := s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM rules r WHERE r.id = ?`, id).Scan(rr.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Rule{}, ErrNotFound
	}
	if err != nil {
		return rules.Rule{}, err
	}
	return rr.decode()
}

// ListRules returns every rule with its job, oldest first. Rules whose stored
// JSON cannot be decoded are returned with a nil Trigger.
func (s *Store) ListRules(ctx context.Context) ([]RuleView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleCols+`, `+jobCols+`
		 FROM rules r LEFT JOIN scheduled_jobs j ON j.rule_id = r.id
		 ORDER BY r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RuleView
	for rows.Next() {
		var (
			rr ruleRow
			jr struct {
				id, ruleID       sql.NullInt64
				nextRun, lastRun sql.NullInt64
				status, lastErr  sql.NullString
			}
		)
		dest := append(rr.dest(), &jr.id, &jr.ruleID, &jr.nextRun, &jr.status, &jr.lastRun, &jr.lastErr)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rule, derr := rr.decode()
		if derr != nil {
			s.log.Warn("rule decode failed", logx.Int64("rule_id", rr.id), logx.Err(derr))
		}
		v := RuleView{Rule: rule}
		if jr.id.Valid {
			v.Job = &Job{
				ID:        jr.id.Int64,
				RuleID:    jr.ruleID.Int64,
				NextRunAt: timePtr(jr.nextRun),
				Status:    JobStatus(jr.status.String),
				LastRunAt: timePtr(jr.lastRun),
				LastError: jr.lastErr.String,
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteRule removes a rule; its job goes with it (ON DELETE CASCADE).
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	return affectedOne(s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id))
}

func (s *Store) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	return affectedOne(s.db.ExecContext(ctx, `UPDATE rules SET enabled = ? WHERE id = ?`, enabled, id))
}

// ArrivalRules returns enabled arrival rules triggered by personID. Rules
// that fail to decode are skipped and logged.
func (s *Store) ArrivalRules(ctx context.Context, personID int64) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM rules r
		 WHERE r.trigger_type = 'arrival' AND r.enabled = 1
		   AND json_extract(r.trigger_json, '$.person_id') = ?
		 ORDER BY r.id`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var rr ruleRow
		if err := rows.Scan(rr.dest()...); err != nil {
			return nil, err
		}
		rule, err := rr.decode()
		if err != nil {
			s.log.Warn("skipping undecodable arrival rule", logx.Int64("rule_id", rr.id), logx.Err(err))
			continue
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *Store) queryJobViews(ctx context.Context, where string, args ...any) ([]JobView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+`, `+ruleCols+`
		 FROM scheduled_jobs j JOIN rules r ON r.id = j.rule_id
		 `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobView
	for rows.Next() {
		var (
			jr jobRow
			rr ruleRow
		)
		if err := rows.Scan(append(jr.dest(), rr.dest()...)...); err != nil {
			return nil, err
		}
		rule, derr := rr.decode()
		out = append(out, JobView{Job: jr.job(), Rule: rule, DecodeErr: derr})
	}
	return out, rows.Err()
}

// DueJobs returns pending jobs of enabled rules with next_run_ts <= now,
// earliest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]JobView, error) {
	return s.queryJobViews(ctx,
		`WHERE j.status = 'pending' AND j.next_run_ts IS NOT NULL AND j.next_run_ts <= ? AND r.enabled = 1
		 ORDER BY j.next_run_ts, j.id`, now.Unix())
}

// PendingJobsMissingNextRun returns pending jobs whose next run was never
// computed.
func (s *Store) PendingJobsMissingNextRun(ctx context.Context) ([]JobView, error) {
	return s.queryJobViews(ctx, `WHERE j.status = 'pending' AND j.next_run_ts IS NULL ORDER BY j.id`)
}

func (s *Store) ListJobs(ctx context.Context) ([]JobView, error) {
	return s.queryJobViews(ctx, `ORDER BY j.id`)
}

func (s *Store) JobByRule(ctx context.Context, ruleID int64) (Job, error) {
	var jr jobRow
	err := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM scheduled_jobs j WHERE j.rule_id = ?`, ruleID).Scan(jr.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return jr.job(), nil
}

// ClaimJob moves a job from pending to running. It returns false when the
// job was no longer pending.
func (s *Store) ClaimJob(ctx context.Context, jobID int64) (bool, error) {
	err := affectedOne(s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'running' WHERE id = ? AND status = 'pending'`, jobID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RescheduleJob sets a job back to pending at next. ranAt, when non-nil,
// updates last_run_ts.
func (s *Store) RescheduleJob(ctx context.Context, jobID int64, next time.Time, ranAt *time.Time) error {
	return affectedOne(s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs
		 SET status = 'pending', next_run_ts = ?, last_run_ts = COALESCE(?, last_run_ts)
		 WHERE id = ?`, next.Unix(), nullUnix(ranAt), jobID))
}

func (s *Store) FinishJob(ctx context.Context, jobID int64, ranAt time.Time) error {
	return affectedOne(s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'done', last_run_ts = ? WHERE id = ?`, ranAt.Unix(), jobID))
}

func (s *Store) FailJob(ctx context.Context, jobID int64, ranAt time.Time, msg string) error {
	return affectedOne(s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'failed', last_run_ts = ?, last_error = ? WHERE id = ?`,
		ranAt.Unix(), msg, jobID))
}

// FailInterruptedJobs marks jobs left running by a previous process as
// failed and returns how many were affected.
func (s *Store) FailInterruptedJobs(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'failed', last_run_ts = ?, last_error = ? WHERE status = 'running'`,
		at.Unix(), "interrupted by restart")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
