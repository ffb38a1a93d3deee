package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const personCols = `id, external_id, name, created_at`

func scanPerson(row interface{ Scan(...any) error }) (Person, error) {
	var (
		p  Person
		ts int64
	)
	if err := row.Scan(&p.ID, &p.ExternalID, &p.Name, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Person{}, ErrNotFound
		}
		return Person{}, err
	}
	p.CreatedAt = time.Unix(ts, 0)
	return p, nil
}

// UpsertPerson returns the person with externalID, creating it when missing.
// An existing person's name is refreshed when name is non-empty.
func (s *Store) UpsertPerson(ctx context.Context, externalID, name string) (Person, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Person{}, false, errors.New("external id is required")
	}
	name = strings.TrimSpace(name)

	var (
		p       Person
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanPerson(tx.QueryRowContext(ctx, `SELECT `+personCols+` FROM people WHERE external_id = ?`, externalID))
		switch {
		case err == nil:
			if name != "" && name != cur.Name {
				if _, err := tx.ExecContext(ctx, `UPDATE people SET name = ? WHERE id = ?`, name, cur.ID); err != nil {
					return err
				}
				cur.Name = name
			}
			p = cur
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		if name == "" {
			name = externalID
		}
		now := s.now()
		res, err := tx.ExecContext(ctx, `INSERT INTO people(external_id, name, created_at) VALUES(?, ?, ?)`, externalID, name, now.Unix())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		p = Person{ID: id, ExternalID: externalID, Name: name, CreatedAt: time.Unix(now.Unix(), 0)}
		created = true
		return nil
	})
	return p, created, err
}

func (s *Store) PersonByID(ctx context.Context, id int64) (Person, error) {
	return scanPerson(s.db.QueryRowContext(ctx, `SELECT `+personCols+` FROM people WHERE id = ?`, id))
}

func (s *Store) PersonByExternalID(ctx context.Context, externalID string) (Person, error) {
	return scanPerson(s.db.QueryRowContext(ctx, `SELECT `+personCols+` FROM people WHERE external_id = ?`, strings.TrimSpace(externalID)))
}

// PersonByName matches display names case-insensitively, with or without a
// leading "@".
func (s *Store) PersonByName(ctx context.Context, name string) (Person, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" {
		return Person{}, ErrNotFound
	}
	return scanPerson(s.db.QueryRowContext(ctx,
		`SELECT `+personCols+` FROM people WHERE name = ? COLLATE NOCASE ORDER BY id LIMIT 1`, name))
}

func (s *Store) ListPeople(ctx context.Context) ([]Person, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+personCols+` FROM people ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddDevice registers a device for a person. A device value already known
// for that kind (case-insensitive) yields ErrConflict, whoever owns it.
func (s *Store) AddDevice(ctx context.Context, personID int64, kind DeviceKind, value string) (Device, error) {
	if !kind.Valid() {
		return Device{}, fmt.Errorf("unknown device kind %q", kind)
	}
	value = strings.TrimSpace(value)

	var d Device
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var owner int64
		err := tx.QueryRowContext(ctx,
			`SELECT person_id FROM person_devices WHERE kind = ? AND value = ? COLLATE NOCASE`, kind, value).Scan(&owner)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s %s (person %d)", ErrConflict, kind, value, owner)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO person_devices(person_id, kind, value) VALUES(?, ?, ?)`, personID, kind, value)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		d = Device{ID: id, PersonID: personID, Kind: kind, Value: value}
		return nil
	})
	return d, err
}

// ListDevices returns devices of the given kind, or all devices when kind is "".
func (s *Store) ListDevices(ctx context.Context, kind DeviceKind) ([]Device, error) {
	q := `SELECT id, person_id, kind, value FROM person_devices`
	var args []any
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY person_id, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.PersonID, &d.Kind, &d.Value); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
