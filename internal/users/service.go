// Package users manages accounts: registration, credentials, profiles and
// roles.
package users

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"ikid/internal/apperr"
	"ikid/internal/model"
	"ikid/internal/presence"
	"ikid/internal/validate"
)

// Store is the persistence port for accounts and refresh tokens.
type Store interface {
	Create(ctx context.Context, u model.User) (model.User, error)
	Get(ctx context.Context, id string) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	List(ctx context.Context) ([]model.User, error)
	UpdateProfile(ctx context.Context, id, name, phone string) (model.User, error)
	SetRole(ctx context.Context, id string, role model.Role) (model.User, error)
	SetPassword(ctx context.Context, id, hash string) error
	Delete(ctx context.Context, id string) (Cascade, error)

	SaveRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (string, error)
	RevokeRefreshTokens(ctx context.Context, userID string) error
}

// Cascade lists the children a user delete affected.
type Cascade struct {
	// RemovedChildren lost their last guardian and were deleted.
	RemovedChildren []string
	// Recomputed lost ledger entries; their projection was rebuilt.
	Recomputed []model.Presence
}

// Registration is the input for Register.
type Registration struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Name     string     `json:"name"`
	Phone    string     `json:"phone"`
	Role     model.Role `json:"role"`
}

// Profile holds the self-editable fields. Nil fields are left unchanged.
type Profile struct {
	Name  *string `json:"name"`
	Phone *string `json:"phone"`
}

// PasswordError reports which strength rules a rejected password missed.
type PasswordError struct {
	Strength validate.Strength
}

func (e *PasswordError) Error() string {
	return "password is too weak: missing " + strings.Join(e.Strength.Missing, ", ")
}

// Service applies the account rules around the store.
type Service struct {
	store Store
	feed  *presence.Hub
	cost  int
}

// NewService creates the service. feed may be nil.
func NewService(store Store, feed *presence.Hub) *Service {
	return &Service{store: store, feed: feed, cost: bcrypt.DefaultCost}
}

// dummyHash is compared against when the e-mail is unknown so that both
// failure paths take about as long.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("ikid-no-such-user"), bcrypt.MinCost)

func (s *Service) actor(ctx context.Context, id string) (model.User, error) {
	if strings.TrimSpace(id) == "" {
		return model.User{}, apperr.New(apperr.KindUnauthorized, "missing actor")
	}
	u, err := s.store.Get(ctx, id)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return model.User{}, apperr.New(apperr.KindUnauthorized, "unknown actor %s", id)
	}
	return u, err
}

// Register creates an account. Without an actor (public sign-up) only parent
// accounts can be created; staff may create parents and admins any role.
func (s *Service) Register(ctx context.Context, actorID string, in Registration) (model.User, error) {
	if in.Role == "" {
		in.Role = model.RoleParent
	}
	if !in.Role.Valid() {
		return model.User{}, apperr.New(apperr.KindValidation, "unknown role %q", in.Role)
	}
	if in.Role != model.RoleParent {
		if actorID == "" {
			return model.User{}, apperr.New(apperr.KindUnauthorized, "only admins can create %s accounts", in.Role)
		}
		actor, err := s.actor(ctx, actorID)
		if err != nil {
			return model.User{}, err
		}
		if actor.Role != model.RoleAdmin {
			return model.User{}, apperr.New(apperr.KindUnauthorized, "only admins can create %s accounts", in.Role)
		}
	}

	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	if !validate.Email(in.Email) {
		return model.User{}, apperr.New(apperr.KindValidation, "invalid email address")
	}
	if !validate.Required(in.Name) {
		return model.User{}, apperr.New(apperr.KindValidation, "name is required")
	}
	if in.Phone != "" && !validate.Phone(in.Phone) {
		return model.User{}, apperr.New(apperr.KindValidation, "invalid Norwegian phone number")
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return model.User{}, err
	}

	u, err := s.store.Create(ctx, model.User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		Name:         in.Name,
		Phone:        in.Phone,
		Role:         in.Role,
		PasswordHash: hash,
	})
	if err != nil {
		return model.User{}, err
	}
	log.Printf("user %s registered with role %s", u.ID, u.Role)
	return u, nil
}

func (s *Service) hash(password string) (string, error) {
	if st := validate.Password(password); !st.Valid {
		return "", apperr.Wrap(apperr.KindValidation, &PasswordError{Strength: st}, "")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "hash password")
	}
	return string(b), nil
}

// Authenticate checks the credentials. Unknown e-mail and wrong password are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (model.User, error) {
	u, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if apperr.KindOf(err) == apperr.KindNotFound {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return model.User{}, apperr.New(apperr.KindUnauthorized, "invalid email or password")
	}
	if err != nil {
		return model.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return model.User{}, apperr.New(apperr.KindUnauthorized, "invalid email or password")
	}
	return u, nil
}

// ChangePassword re-verifies the current password, stores the new one and
// revokes outstanding refresh tokens.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.actor(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		return apperr.New(apperr.KindUnauthorized, "current password is wrong")
	}
	hash, err := s.hash(next)
	if err != nil {
		return err
	}
	if err := s.store.SetPassword(ctx, u.ID, hash); err != nil {
		return err
	}
	return s.store.RevokeRefreshTokens(ctx, u.ID)
}

// Get returns an account. Users may read themselves; staff and admins anyone.
func (s *Service) Get(ctx context.Context, actorID, id string) (model.User, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.User{}, err
	}
	if actor.ID == id {
		return actor, nil
	}
	if actor.Role == model.RoleParent {
		return model.User{}, apperr.New(apperr.KindUnauthorized, "parents can only read their own account")
	}
	return s.store.Get(ctx, id)
}

// List returns every account. Admin only.
func (s *Service) List(ctx context.Context, actorID string) ([]model.User, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	return s.store.List(ctx)
}

// UpdateProfile edits name and phone of the actor's own account, or of any
// account for admins.
func (s *Service) UpdateProfile(ctx context.Context, actorID, id string, p Profile) (model.User, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.User{}, err
	}
	if actor.ID != id && actor.Role != model.RoleAdmin {
		return model.User{}, apperr.New(apperr.KindUnauthorized, "cannot edit another user's profile")
	}
	target := actor
	if actor.ID != id {
		if target, err = s.store.Get(ctx, id); err != nil {
			return model.User{}, err
		}
	}

	name, phone := target.Name, target.Phone
	if p.Name != nil {
		name = strings.TrimSpace(*p.Name)
		if !validate.Required(name) {
			return model.User{}, apperr.New(apperr.KindValidation, "name is required")
		}
	}
	if p.Phone != nil {
		phone = strings.TrimSpace(*p.Phone)
		if phone != "" && !validate.Phone(phone) {
			return model.User{}, apperr.New(apperr.KindValidation, "invalid Norwegian phone number")
		}
	}
	return s.store.UpdateProfile(ctx, id, name, phone)
}

// ChangeRole sets another account's role. Admin only; admins cannot change
// their own role.
func (s *Service) ChangeRole(ctx context.Context, actorID, id string, role model.Role) (model.User, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return model.User{}, err
	}
	if actorID == id {
		return model.User{}, apperr.New(apperr.KindValidation, "admins cannot change their own role")
	}
	if !role.Valid() {
		return model.User{}, apperr.New(apperr.KindValidation, "unknown role %q", role)
	}
	return s.store.SetRole(ctx, id, role)
}

// Delete removes an account and everything that depends on it. Users may
// delete themselves; admins anyone.
func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.ID != id && actor.Role != model.RoleAdmin {
		return apperr.New(apperr.KindUnauthorized, "cannot delete another user")
	}
	cascade, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if s.feed != nil {
		for _, childID := range cascade.RemovedChildren {
			s.feed.Forget(childID)
		}
		for _, p := range cascade.Recomputed {
			s.feed.Publish(p)
		}
	}
	log.Printf("user %s deleted by %s (%d children removed, %d recomputed)",
		id, actor.ID, len(cascade.RemovedChildren), len(cascade.Recomputed))
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, actorID string) error {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Role != model.RoleAdmin {
		return apperr.New(apperr.KindUnauthorized, "admin role required")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// WeakPassword extracts the strength report from a rejected password.
func WeakPassword(err error) (validate.Strength, bool) {
	var pe *PasswordError
	if errors.As(err, &pe) {
		return pe.Strength, true
	}
	return validate.Strength{}, false
}
