// Package children manages child records and their guardian links.
package children

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"ikid/internal/apperr"
	"ikid/internal/model"
	"ikid/internal/presence"
	"ikid/internal/validate"
)

// Store is the persistence port for children.
type Store interface {
	Create(ctx context.Context, c model.Child) (model.Child, error)
	Get(ctx context.Context, id string) (model.Child, error)
	List(ctx context.Context) ([]model.Child, error)
	ListByGuardian(ctx context.Context, userID string) ([]model.Child, error)
	Update(ctx context.Context, id string, u Update) (model.Child, error)
	Delete(ctx context.Context, id string) error
	AddGuardian(ctx context.Context, childID, userID string) error
	RemoveGuardian(ctx context.Context, childID, userID string) error
}

// UserLookup resolves accounts.
type UserLookup interface {
	Get(ctx context.Context, id string) (model.User, error)
}

// PhotoStore uploads an image and returns its public URL.
type PhotoStore interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
}

// NewChild is the input for Create.
type NewChild struct {
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	DateOfBirth time.Time `json:"date_of_birth"`
	ParentIDs   []string  `json:"parent_ids"`
	Allergies   string    `json:"allergies"`
	Notes       string    `json:"notes"`
}

// Update holds the editable profile fields. Nil fields are left unchanged.
type Update struct {
	FirstName   *string    `json:"first_name"`
	LastName    *string    `json:"last_name"`
	DateOfBirth *time.Time `json:"date_of_birth"`
	Allergies   *string    `json:"allergies"`
	Notes       *string    `json:"notes"`
	PhotoURL    *string    `json:"-"`
}

// Service applies the access rules around the child store.
type Service struct {
	store  Store
	users  UserLookup
	photos PhotoStore
	feed   *presence.Hub
	now    func() time.Time
}

// NewService wires the service. photos and feed may be nil.
func NewService(store Store, users UserLookup, photos PhotoStore, feed *presence.Hub) *Service {
	return &Service{store: store, users: users, photos: photos, feed: feed, now: time.Now}
}

func (s *Service) actor(ctx context.Context, id string) (model.User, error) {
	if strings.TrimSpace(id) == "" {
		return model.User{}, apperr.New(apperr.KindUnauthorized, "missing actor")
	}
	u, err := s.users.Get(ctx, id)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return model.User{}, apperr.New(apperr.KindUnauthorized, "unknown actor %s", id)
	}
	return u, err
}

// readable loads the child and checks the actor may see it. Parents only see
// their own children; a foreign child is reported as not found.
func (s *Service) readable(ctx context.Context, actor model.User, id string) (model.Child, error) {
	if strings.TrimSpace(id) == "" {
		return model.Child{}, apperr.New(apperr.KindValidation, "child id is required")
	}
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Child{}, err
	}
	if actor.Role == model.RoleParent && !c.HasGuardian(actor.ID) {
		return model.Child{}, apperr.New(apperr.KindNotFound, "child %s not found", id)
	}
	return c, nil
}

// Create registers a child. A parent creating a child becomes its only
// guardian; staff and admins may link any parent accounts.
func (s *Service) Create(ctx context.Context, actorID string, in NewChild) (model.Child, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.Child{}, err
	}
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if !validate.Required(in.FirstName) || !validate.Required(in.LastName) {
		return model.Child{}, apperr.New(apperr.KindValidation, "first and last name are required")
	}
	if !validate.DateOfBirth(in.DateOfBirth, s.now()) {
		return model.Child{}, apperr.New(apperr.KindValidation, "date of birth must be set and not in the future")
	}

	parents := dedupe(in.ParentIDs)
	if actor.Role == model.RoleParent {
		parents = []string{actor.ID}
	} else {
		for _, id := range parents {
			if err := s.requireParent(ctx, id); err != nil {
				return model.Child{}, err
			}
		}
	}

	return s.store.Create(ctx, model.Child{
		ID:          uuid.NewString(),
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		DateOfBirth: in.DateOfBirth,
		ParentIDs:   parents,
		Allergies:   strings.TrimSpace(in.Allergies),
		Notes:       strings.TrimSpace(in.Notes),
		Status:      model.StatusNotCheckedIn,
	})
}

func (s *Service) requireParent(ctx context.Context, id string) error {
	u, err := s.users.Get(ctx, id)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return apperr.New(apperr.KindValidation, "guardian %s does not exist", id)
	}
	if err != nil {
		return err
	}
	if u.Role != model.RoleParent {
		return apperr.New(apperr.KindValidation, "user %s is not a parent", id)
	}
	return nil
}

// Get returns one child.
func (s *Service) Get(ctx context.Context, actorID, id string) (model.Child, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.Child{}, err
	}
	return s.readable(ctx, actor, id)
}

// List returns every child for staff and admins and the actor's own children
// for parents.
func (s *Service) List(ctx context.Context, actorID string) ([]model.Child, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role == model.RoleParent {
		return s.store.ListByGuardian(ctx, actor.ID)
	}
	return s.store.List(ctx)
}

// ListByGuardian returns the children of guardianID. Parents may only ask
// about themselves.
func (s *Service) ListByGuardian(ctx context.Context, actorID, guardianID string) ([]model.Child, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role == model.RoleParent && guardianID != actor.ID {
		return nil, apperr.New(apperr.KindUnauthorized, "parents can only list their own children")
	}
	return s.store.ListByGuardian(ctx, guardianID)
}

// Update edits profile fields. Staff, admins and the child's guardians may
// edit.
func (s *Service) Update(ctx context.Context, actorID, id string, u Update) (model.Child, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.Child{}, err
	}
	if _, err := s.readable(ctx, actor, id); err != nil {
		return model.Child{}, err
	}
	u.PhotoURL = nil
	if u.FirstName != nil {
		v := strings.TrimSpace(*u.FirstName)
		if !validate.Required(v) {
			return model.Child{}, apperr.New(apperr.KindValidation, "first name is required")
		}
		u.FirstName = &v
	}
	if u.LastName != nil {
		v := strings.TrimSpace(*u.LastName)
		if !validate.Required(v) {
			return model.Child{}, apperr.New(apperr.KindValidation, "last name is required")
		}
		u.LastName = &v
	}
	if u.DateOfBirth != nil && !validate.DateOfBirth(*u.DateOfBirth, s.now()) {
		return model.Child{}, apperr.New(apperr.KindValidation, "date of birth must be set and not in the future")
	}
	return s.store.Update(ctx, id, u)
}

// Delete removes a child and its ledger. Admin only.
func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Role != model.RoleAdmin {
		return apperr.New(apperr.KindUnauthorized, "only admins can delete children")
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.feed != nil {
		s.feed.Forget(id)
	}
	log.Printf("child %s deleted by %s", id, actor.ID)
	return nil
}

// LinkGuardian adds a parent account to the child's guardians. Admin only.
func (s *Service) LinkGuardian(ctx context.Context, actorID, childID, guardianID string) (model.Child, error) {
	if err := s.adminGuardianOp(ctx, actorID, childID, guardianID); err != nil {
		return model.Child{}, err
	}
	if err := s.store.AddGuardian(ctx, childID, guardianID); err != nil {
		return model.Child{}, err
	}
	return s.store.Get(ctx, childID)
}

// UnlinkGuardian removes a guardian from the child. Admin only.
func (s *Service) UnlinkGuardian(ctx context.Context, actorID, childID, guardianID string) (model.Child, error) {
	if err := s.adminGuardianOp(ctx, actorID, childID, guardianID); err != nil {
		return model.Child{}, err
	}
	if err := s.store.RemoveGuardian(ctx, childID, guardianID); err != nil {
		return model.Child{}, err
	}
	return s.store.Get(ctx, childID)
}

func (s *Service) adminGuardianOp(ctx context.Context, actorID, childID, guardianID string) error {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Role != model.RoleAdmin {
		return apperr.New(apperr.KindUnauthorized, "only admins can manage guardians")
	}
	if _, err := s.store.Get(ctx, childID); err != nil {
		return err
	}
	return s.requireParent(ctx, guardianID)
}

// SetPhoto uploads the image and stores its URL on the child.
func (s *Service) SetPhoto(ctx context.Context, actorID, id string, data []byte, filename string) (model.Child, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.Child{}, err
	}
	if _, err := s.readable(ctx, actor, id); err != nil {
		return model.Child{}, err
	}
	if len(data) == 0 {
		return model.Child{}, apperr.New(apperr.KindValidation, "photo is empty")
	}
	if s.photos == nil {
		return model.Child{}, apperr.New(apperr.KindStoreUnavailable, "photo storage is not configured")
	}
	url, err := s.photos.Upload(ctx, data, filename)
	if err != nil {
		return model.Child{}, apperr.Wrap(apperr.KindWriteFailed, err, "upload photo")
	}
	return s.store.Update(ctx, id, Update{PhotoURL: &url})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := []string{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
