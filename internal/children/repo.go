package children

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"ikid/internal/apperr"
	"ikid/internal/model"
	"ikid/internal/store"
)

const childColumns = `id, first_name, last_name, date_of_birth, photo_url, allergies, notes,
	status, last_check_in, last_check_out, created_at, updated_at`

// Repository stores child records and guardian links in Postgres.
type Repository struct {
	db *sql.DB
	cb *gobreaker.CircuitBreaker
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB, cb *gobreaker.CircuitBreaker) *Repository {
	return &Repository{db: db, cb: cb}
}

// Create inserts the child and its guardian links in one transaction.
func (r *Repository) Create(ctx context.Context, c model.Child) (model.Child, error) {
	err := store.Guard(r.cb, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
			INSERT INTO children (id, first_name, last_name, date_of_birth, allergies, notes, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+childColumns,
			c.ID, c.FirstName, c.LastName, c.DateOfBirth, c.Allergies, c.Notes, model.StatusNotCheckedIn)
		created, err := scanChild(row)
		if err != nil {
			return err
		}
		for _, uid := range c.ParentIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO child_guardians (child_id, user_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, c.ID, uid); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		created.ParentIDs = append([]string{}, c.ParentIDs...)
		c = created
		return nil
	})
	if err != nil {
		return model.Child{}, unavailable(err, "create child")
	}
	return c, nil
}

// Get returns one child with its guardians.
func (r *Repository) Get(ctx context.Context, id string) (model.Child, error) {
	var c model.Child
	err := store.Guard(r.cb, func() error {
		row := r.db.QueryRowContext(ctx, `SELECT `+childColumns+` FROM children WHERE id = $1`, id)
		var err error
		c, err = scanChild(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "child %s not found", id)
		}
		if err != nil {
			return err
		}
		c.ParentIDs, err = r.guardians(ctx, id)
		return err
	})
	if err != nil {
		return model.Child{}, unavailable(err, "get child")
	}
	return c, nil
}

func (r *Repository) guardians(ctx context.Context, childID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM child_guardians WHERE child_id = $1 ORDER BY created_at, user_id
	`, childID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns every child ordered by name.
func (r *Repository) List(ctx context.Context) ([]model.Child, error) {
	return r.list(ctx, "", nil)
}

// ListByGuardian returns the children userID is a guardian of.
func (r *Repository) ListByGuardian(ctx context.Context, userID string) ([]model.Child, error) {
	return r.list(ctx, `WHERE id IN (SELECT child_id FROM child_guardians WHERE user_id = $1)`, []any{userID})
}

func (r *Repository) list(ctx context.Context, where string, args []any) ([]model.Child, error) {
	res := []model.Child{}
	err := store.Guard(r.cb, func() error {
		rows, err := r.db.QueryContext(ctx, `SELECT `+childColumns+` FROM children `+where+`
			ORDER BY first_name, last_name, id`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		index := map[string]int{}
		for rows.Next() {
			c, err := scanChild(rows)
			if err != nil {
				return err
			}
			c.ParentIDs = []string{}
			index[c.ID] = len(res)
			res = append(res, c)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		links, err := r.db.QueryContext(ctx, `SELECT child_id, user_id FROM child_guardians
			WHERE child_id IN (SELECT id FROM children `+where+`)
			ORDER BY created_at, user_id`, args...)
		if err != nil {
			return err
		}
		defer links.Close()
		for links.Next() {
			var childID, userID string
			if err := links.Scan(&childID, &userID); err != nil {
				return err
			}
			if i, ok := index[childID]; ok {
				res[i].ParentIDs = append(res[i].ParentIDs, userID)
			}
		}
		return links.Err()
	})
	if err != nil {
		return nil, unavailable(err, "list children")
	}
	return res, nil
}

// Update writes the profile fields set in u. Presence fields are never
// touched here.
func (r *Repository) Update(ctx context.Context, id string, u Update) (model.Child, error) {
	sets := []string{}
	args := []any{id}
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, column+" = $"+strconv.Itoa(len(args)))
	}
	if u.FirstName != nil {
		add("first_name", *u.FirstName)
	}
	if u.LastName != nil {
		add("last_name", *u.LastName)
	}
	if u.DateOfBirth != nil {
		add("date_of_birth", *u.DateOfBirth)
	}
	if u.Allergies != nil {
		add("allergies", *u.Allergies)
	}
	if u.Notes != nil {
		add("notes", *u.Notes)
	}
	if u.PhotoURL != nil {
		add("photo_url", *u.PhotoURL)
	}
	if len(sets) == 0 {
		return r.Get(ctx, id)
	}

	err := store.Guard(r.cb, func() error {
		res, err := r.db.ExecContext(ctx, `UPDATE children SET `+strings.Join(sets, ", ")+`, updated_at = NOW() WHERE id = $1`, args...)
		if err != nil {
			return err
		}
		return expectRow(res, id)
	})
	if err != nil {
		return model.Child{}, unavailable(err, "update child")
	}
	return r.Get(ctx, id)
}

// Delete removes the child. Ledger entries and guardian links cascade.
func (r *Repository) Delete(ctx context.Context, id string) error {
	err := store.Guard(r.cb, func() error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM children WHERE id = $1`, id)
		if err != nil {
			return err
		}
		return expectRow(res, id)
	})
	return unavailable(err, "delete child")
}

// AddGuardian links userID to the child. Linking twice is a no-op.
func (r *Repository) AddGuardian(ctx context.Context, childID, userID string) error {
	err := store.Guard(r.cb, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO child_guardians (child_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, childID, userID)
		return err
	})
	return unavailable(err, "link guardian")
}

// RemoveGuardian unlinks userID from the child.
func (r *Repository) RemoveGuardian(ctx context.Context, childID, userID string) error {
	err := store.Guard(r.cb, func() error {
		_, err := r.db.ExecContext(ctx, `DELETE FROM child_guardians WHERE child_id = $1 AND user_id = $2`, childID, userID)
		return err
	})
	return unavailable(err, "unlink guardian")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChild(s scanner) (model.Child, error) {
	var (
		c               model.Child
		lastIn, lastOut sql.NullTime
	)
	err := s.Scan(&c.ID, &c.FirstName, &c.LastName, &c.DateOfBirth, &c.PhotoURL, &c.Allergies, &c.Notes,
		&c.Status, &lastIn, &lastOut, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return model.Child{}, err
	}
	c.LastCheckIn = nullTime(lastIn)
	c.LastCheckOut = nullTime(lastOut)
	return c, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.KindNotFound, "child %s not found", id)
	}
	return nil
}

func unavailable(err error, op string) error {
	if err == nil || apperr.KindOf(err) != "" {
		return err
	}
	return apperr.Wrap(apperr.KindStoreUnavailable, err, "%s", op)
}
