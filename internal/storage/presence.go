package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) AppendPresenceEvent(ctx context.Context, personID int64, state PresenceState, at time.Time) (PresenceEvent, error) {
	if state != StateHome && state != StateAway {
		return PresenceEvent{}, fmt.Errorf("invalid presence state %q", state)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO presence_events(person_id, state, ts) VALUES(?, ?, ?)`, personID, state, at.Unix())
	if err != nil {
		return PresenceEvent{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return PresenceEvent{}, err
	}
	return PresenceEvent{ID: id, PersonID: personID, State: state, At: time.Unix(at.Unix(), 0)}, nil
}

// LatestPresence returns the most recent event for a person; ok is false
// when none exists.
func (s *Store) LatestPresence(ctx context.Context, personID int64) (ev PresenceEvent, ok bool, err error) {
	var ts int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, person_id, state, ts FROM presence_events WHERE person_id = ? ORDER BY ts DESC, id DESC LIMIT 1`,
		personID).Scan(&ev.ID, &ev.PersonID, &ev.State, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return PresenceEvent{}, false, nil
	}
	if err != nil {
		return PresenceEvent{}, false, err
	}
	ev.At = time.Unix(ts, 0)
	return ev, true, nil
}
