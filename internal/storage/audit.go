package storage

import (
	"context"
	"database/sql"
	"time"
)

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_name, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Unix(), nullStr(e.ActorID), nullStr(e.ActorName), e.Action, nullStr(e.Target),
		e.OK, nullStr(e.Error), e.Took.Milliseconds(),
	)
	return err
}

// RecentAudit returns up to limit entries, oldest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, actor_id, actor_name, action, target, ok, err, took_ms FROM (
		   SELECT * FROM audit ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                            AuditEntry
			at, took                     int64
			actorID, actorName, tgt, msg sql.NullString
		)
		if err := rows.Scan(&at, &actorID, &actorName, &e.Action, &tgt, &e.OK, &msg, &took); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		e.ActorID, e.ActorName, e.Target, e.Error = actorID.String, actorName.String, tgt.String, msg.String
		e.Took = time.Duration(took) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
