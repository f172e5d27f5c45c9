package users

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"

	"ikid/internal/apperr"
	"ikid/internal/model"
	"ikid/internal/store"
)

const userColumns = `id, email, name, phone, role, password_hash, created_at, updated_at`

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// Repository stores accounts and refresh tokens in Postgres.
type Repository struct {
	db *sql.DB
	cb *gobreaker.CircuitBreaker
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB, cb *gobreaker.CircuitBreaker) *Repository {
	return &Repository{db: db, cb: cb}
}

// Create inserts a new account. A taken e-mail is a Conflict.
func (r *Repository) Create(ctx context.Context, u model.User) (model.User, error) {
	var created model.User
	err := store.Guard(r.cb, func() error {
		row := r.db.QueryRowContext(ctx, `
			INSERT INTO users (id, email, name, phone, role, password_hash)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+userColumns,
			u.ID, u.Email, u.Name, u.Phone, u.Role, u.PasswordHash)
		var err error
		created, err = scanUser(row)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperr.New(apperr.KindConflict, "email %s is already registered", u.Email)
		}
		return err
	})
	if err != nil {
		return model.User{}, unavailable(err, "create user")
	}
	return created, nil
}

// Get returns the account with id.
func (r *Repository) Get(ctx context.Context, id string) (model.User, error) {
	return r.getBy(ctx, "id", id)
}

// GetByEmail returns the account registered with email.
func (r *Repository) GetByEmail(ctx context.Context, email string) (model.User, error) {
	return r.getBy(ctx, "email", email)
}

func (r *Repository) getBy(ctx context.Context, column, value string) (model.User, error) {
	var u model.User
	err := store.Guard(r.cb, func() error {
		row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value)
		var err error
		u, err = scanUser(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "user %s not found", value)
		}
		return err
	})
	if err != nil {
		return model.User{}, unavailable(err, "get user")
	}
	return u, nil
}

// List returns every account ordered by name.
func (r *Repository) List(ctx context.Context) ([]model.User, error) {
	res := []model.User{}
	err := store.Guard(r.cb, func() error {
		rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, email`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			res = append(res, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, unavailable(err, "list users")
	}
	return res, nil
}

// UpdateProfile sets name and phone.
func (r *Repository) UpdateProfile(ctx context.Context, id, name, phone string) (model.User, error) {
	return r.update(ctx, id, `name = $2, phone = $3`, name, phone)
}

// SetRole changes the account role.
func (r *Repository) SetRole(ctx context.Context, id string, role model.Role) (model.User, error) {
	return r.update(ctx, id, `role = $2`, role)
}

// SetPassword replaces the password hash.
func (r *Repository) SetPassword(ctx context.Context, id, hash string) error {
	_, err := r.update(ctx, id, `password_hash = $2`, hash)
	return err
}

func (r *Repository) update(ctx context.Context, id, set string, args ...any) (model.User, error) {
	var u model.User
	err := store.Guard(r.cb, func() error {
		row := r.db.QueryRowContext(ctx, `UPDATE users SET `+set+`, updated_at = NOW() WHERE id = $1
			RETURNING `+userColumns, append([]any{id}, args...)...)
		var err error
		u, err = scanUser(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "user %s not found", id)
		}
		return err
	})
	if err != nil {
		return model.User{}, unavailable(err, "update user")
	}
	return u, nil
}

// Delete removes the account in one transaction: children left without any
// guardian are deleted, ledger entries recorded by the user are deleted and
// the presence of every child that lost entries is recomputed from its newest
// remaining one, then the user row goes (guardian links and refresh tokens
// cascade).
func (r *Repository) Delete(ctx context.Context, id string) (Cascade, error) {
	var res Cascade
	err := store.Guard(r.cb, func() error {
		res = Cascade{}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if res.RemovedChildren, err = collectIDs(ctx, tx, `
			DELETE FROM children c
			WHERE c.id IN (SELECT child_id FROM child_guardians WHERE user_id = $1)
			  AND NOT EXISTS (
				SELECT 1 FROM child_guardians g WHERE g.child_id = c.id AND g.user_id <> $1
			  )
			RETURNING c.id
		`, id); err != nil {
			return err
		}
		touched, err := collectIDs(ctx, tx, `
			DELETE FROM check_in_out_logs WHERE user_id = $1 RETURNING child_id
		`, id)
		if err != nil {
			return err
		}
		for _, childID := range touched {
			p, err := recomputePresence(ctx, tx, childID)
			if err != nil {
				return err
			}
			res.Recomputed = append(res.Recomputed, p)
		}

		out, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, err := out.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return apperr.New(apperr.KindNotFound, "user %s not found", id)
		}
		return tx.Commit()
	})
	if err != nil {
		return Cascade{}, unavailable(err, "delete user")
	}
	return res, nil
}

// collectIDs runs a statement returning one id column and dedupes the result.
func collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	seen := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// recomputePresence resets the child's projection from its remaining ledger.
// updated_at moves strictly forward so subscribers accept the change.
func recomputePresence(ctx context.Context, tx *sql.Tx, childID string) (model.Presence, error) {
	var (
		p               model.Presence
		lastIn, lastOut sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		UPDATE children c SET
			status = COALESCE((
				SELECT CASE l.action WHEN 'check_in' THEN 'checked_in' ELSE 'checked_out' END
				FROM check_in_out_logs l WHERE l.child_id = c.id
				ORDER BY l.occurred_at DESC, l.id DESC LIMIT 1
			), 'not_checked_in'),
			last_check_in = (SELECT MAX(occurred_at) FROM check_in_out_logs
				WHERE child_id = c.id AND action = 'check_in'),
			last_check_out = (SELECT MAX(occurred_at) FROM check_in_out_logs
				WHERE child_id = c.id AND action = 'check_out'),
			updated_at = GREATEST(NOW(), c.updated_at + INTERVAL '1 microsecond')
		WHERE c.id = $1
		RETURNING c.id, c.status, c.last_check_in, c.last_check_out, c.updated_at
	`, childID).Scan(&p.ChildID, &p.Status, &lastIn, &lastOut, &p.UpdatedAt)
	if err != nil {
		return model.Presence{}, err
	}
	if lastIn.Valid {
		t := lastIn.Time.UTC()
		p.LastCheckIn = &t
	}
	if lastOut.Valid {
		t := lastOut.Time.UTC()
		p.LastCheckOut = &t
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// SaveRefreshToken stores the hash of an issued refresh token.
func (r *Repository) SaveRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	err := store.Guard(r.cb, func() error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO refresh_tokens (token_hash, user_id, expires_at) VALUES ($1, $2, $3)
		`, tokenHash, userID, expiresAt)
		return err
	})
	return unavailable(err, "save refresh token")
}

// ConsumeRefreshToken revokes a live token and returns its owner. Unknown,
// expired and already used tokens are Unauthorized.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	var userID string
	err := store.Guard(r.cb, func() error {
		err := r.db.QueryRowContext(ctx, `
			UPDATE refresh_tokens SET revoked = TRUE
			WHERE token_hash = $1 AND NOT revoked AND expires_at > $2
			RETURNING user_id
		`, tokenHash, now).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindUnauthorized, "refresh token is not valid")
		}
		return err
	})
	if err != nil {
		return "", unavailable(err, "consume refresh token")
	}
	return userID, nil
}

// RevokeRefreshTokens revokes every outstanding token of the user.
func (r *Repository) RevokeRefreshTokens(ctx context.Context, userID string) error {
	err := store.Guard(r.cb, func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND NOT revoked`, userID)
		return err
	})
	return unavailable(err, "revoke refresh tokens")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (model.User, error) {
	var u model.User
	err := s.Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.Role, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func unavailable(err error, op string) error {
	if err == nil || apperr.KindOf(err) != "" {
		return err
	}
	return apperr.Wrap(apperr.KindStoreUnavailable, err, "%s", op)
}
