package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"ikid/internal/apperr"
	"ikid/internal/model"
	"ikid/internal/store"
)

const eventColumns = `id, child_id, user_id, action, occurred_at, notes`

// Repository persists the ledger and the presence projection in Postgres.
type Repository struct {
	db  *sql.DB
	cb  *gobreaker.CircuitBreaker
	now func() time.Time
}

var _ Ledger = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB, cb *gobreaker.CircuitBreaker) *Repository {
	return &Repository{db: db, cb: cb, now: time.Now}
}

// Transition runs the conditional ledger append and projection update in one
// transaction. The child row is locked first so concurrent transitions for
// the same child serialize and each one sees the status the previous left.
func (r *Repository) Transition(ctx context.Context, evt model.Event, guard func(model.Status) error) (model.Event, model.Presence, error) {
	var p model.Presence
	err := store.Guard(r.cb, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var (
			current         model.Status
			lastIn, lastOut sql.NullTime
			updatedAt       time.Time
		)
		err = tx.QueryRowContext(ctx, `
			SELECT status, last_check_in, last_check_out, updated_at
			FROM children WHERE id = $1
			FOR UPDATE
		`, evt.ChildID).Scan(&current, &lastIn, &lastOut, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "child %s not found", evt.ChildID)
		}
		if err != nil {
			return err
		}
		if err := guard(current); err != nil {
			return err
		}

		evt.Timestamp = NextTimestamp(r.now(), nullTime(lastIn), nullTime(lastOut), &updatedAt)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO check_in_out_logs (id, child_id, user_id, action, occurred_at, notes)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, evt.ID, evt.ChildID, evt.UserID, evt.Action, evt.Timestamp, evt.Notes); err != nil {
			return err
		}

		column := "last_check_in"
		if evt.Action == model.ActionCheckOut {
			column = "last_check_out"
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE children
			SET status = $2, `+column+` = $3, updated_at = $3
			WHERE id = $1
			RETURNING id, status, last_check_in, last_check_out, updated_at
		`, evt.ChildID, evt.Action.Result(), evt.Timestamp)
		if p, err = scanPresence(row); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if apperr.KindOf(err) != "" {
			return model.Event{}, model.Presence{}, err
		}
		return model.Event{}, model.Presence{}, apperr.Wrap(apperr.KindWriteFailed, err, "record %s", evt.Action)
	}
	return evt, p, nil
}

// NextTimestamp returns now truncated to the store's microsecond precision,
// bumped past every given time. Callers pass the child's last transitions and
// its updated_at, so per-child ledger order is strictly increasing and the
// new projection is newer than any profile edit stamped by the database clock.
func NextTimestamp(now time.Time, last ...*time.Time) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	for _, l := range last {
		if l != nil && !ts.After(*l) {
			ts = l.UTC().Add(time.Microsecond)
		}
	}
	return ts
}

// ChildEvents returns the child's events, newest first.
func (r *Repository) ChildEvents(ctx context.Context, childID string) ([]model.Event, error) {
	return r.listEvents(ctx, `SELECT `+eventColumns+` FROM check_in_out_logs
		WHERE child_id = $1 ORDER BY occurred_at DESC, id DESC`, childID)
}

// AllEvents returns the whole ledger, newest first.
func (r *Repository) AllEvents(ctx context.Context) ([]model.Event, error) {
	return r.listEvents(ctx, `SELECT `+eventColumns+` FROM check_in_out_logs
		ORDER BY occurred_at DESC, id DESC`)
}

func (r *Repository) listEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	res := []model.Event{}
	err := store.Guard(r.cb, func() error {
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			evt, err := scanEvent(rows)
			if err != nil {
				return err
			}
			res = append(res, evt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, unavailable(err, "list events")
	}
	return res, nil
}

// GetEvent returns a single event by id.
func (r *Repository) GetEvent(ctx context.Context, id string) (model.Event, error) {
	var evt model.Event
	err := store.Guard(r.cb, func() error {
		var err error
		evt, err = scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM check_in_out_logs WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "event %s not found", id)
		}
		return err
	})
	if err != nil {
		return model.Event{}, unavailable(err, "get event")
	}
	return evt, nil
}

// Presence returns the child's projection.
func (r *Repository) Presence(ctx context.Context, childID string) (model.Presence, error) {
	var p model.Presence
	err := store.Guard(r.cb, func() error {
		var err error
		p, err = scanPresence(r.db.QueryRowContext(ctx, `
			SELECT id, status, last_check_in, last_check_out, updated_at
			FROM children WHERE id = $1
		`, childID))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "child %s not found", childID)
		}
		return err
	})
	if err != nil {
		return model.Presence{}, unavailable(err, "get presence")
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (model.Event, error) {
	var evt model.Event
	if err := s.Scan(&evt.ID, &evt.ChildID, &evt.UserID, &evt.Action, &evt.Timestamp, &evt.Notes); err != nil {
		return model.Event{}, err
	}
	evt.Timestamp = evt.Timestamp.UTC()
	return evt, nil
}

func scanPresence(s scanner) (model.Presence, error) {
	var (
		p               model.Presence
		lastIn, lastOut sql.NullTime
	)
	if err := s.Scan(&p.ChildID, &p.Status, &lastIn, &lastOut, &p.UpdatedAt); err != nil {
		return model.Presence{}, err
	}
	p.LastCheckIn = nullTime(lastIn)
	p.LastCheckOut = nullTime(lastOut)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// unavailable keeps typed errors and classifies the rest as a store outage.
func unavailable(err error, op string) error {
	if apperr.KindOf(err) != "" {
		return err
	}
	return apperr.Wrap(apperr.KindStoreUnavailable, err, "%s", op)
}
