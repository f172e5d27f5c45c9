package attendance

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"ikid/internal/apperr"
	"ikid/internal/metrics"
	"ikid/internal/model"
	"ikid/internal/presence"
	"ikid/internal/queue"
)

// MessageType is the queue message type carrying a ledger event id.
const MessageType = "attendance"

// publishTimeout bounds the enqueue after a committed transition.
const publishTimeout = time.Second

// lineBreaks folds CR/LF in notes so every ledger entry stays one export row.
var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Ledger is the transactional store behind the attendance ledger and the
// presence projection on each child.
type Ledger interface {
	// Transition locks the child, runs guard against its current status and,
	// if guard passes, appends evt and updates the projection atomically.
	// The store assigns evt.Timestamp.
	Transition(ctx context.Context, evt model.Event, guard func(model.Status) error) (model.Event, model.Presence, error)
	ChildEvents(ctx context.Context, childID string) ([]model.Event, error)
	AllEvents(ctx context.Context) ([]model.Event, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)
	Presence(ctx context.Context, childID string) (model.Presence, error)
}

// UserLookup resolves acting users.
type UserLookup interface {
	Get(ctx context.Context, id string) (model.User, error)
}

// ChildLookup resolves children for the CSV export.
type ChildLookup interface {
	Get(ctx context.Context, id string) (model.Child, error)
}

// Service enforces the attendance state machine and keeps ledger, projection
// and presence subscribers in step.
type Service struct {
	ledger Ledger
	users  UserLookup
	feed   *presence.Hub
	queue  queue.Queue
}

// NewService creates a service. q may be nil when no worker consumes events.
func NewService(ledger Ledger, users UserLookup, feed *presence.Hub, q queue.Queue) *Service {
	return &Service{ledger: ledger, users: users, feed: feed, queue: q}
}

// Allowed applies the per-child state machine. A child may be checked out
// from any state; checking in is rejected only while already checked in.
func Allowed(current model.Status, action model.Action) error {
	if action == model.ActionCheckIn && current == model.StatusCheckedIn {
		return apperr.New(apperr.KindInvalidTransition, "child is already checked in")
	}
	if action != model.ActionCheckIn && action != model.ActionCheckOut {
		return apperr.New(apperr.KindValidation, "unknown action %q", action)
	}
	return nil
}

// CheckIn records a check-in by actingUserID.
func (s *Service) CheckIn(ctx context.Context, childID, actingUserID, notes string) (model.Event, error) {
	return s.record(ctx, model.ActionCheckIn, childID, actingUserID, notes)
}

// CheckOut records a check-out by actingUserID.
func (s *Service) CheckOut(ctx context.Context, childID, actingUserID, notes string) (model.Event, error) {
	return s.record(ctx, model.ActionCheckOut, childID, actingUserID, notes)
}

func (s *Service) record(ctx context.Context, action model.Action, childID, actingUserID, notes string) (model.Event, error) {
	if childID == "" || actingUserID == "" {
		return model.Event{}, apperr.New(apperr.KindValidation, "child and acting user required")
	}
	if err := s.authorize(ctx, actingUserID); err != nil {
		metrics.Transitions.WithLabelValues(string(action), "unauthorized").Inc()
		return model.Event{}, err
	}

	evt := model.Event{
		ID:      uuid.NewString(),
		ChildID: childID,
		UserID:  actingUserID,
		Action:  action,
		Notes:   lineBreaks.Replace(notes),
	}
	evt, p, err := s.ledger.Transition(ctx, evt, func(current model.Status) error {
		return Allowed(current, action)
	})
	if err != nil {
		metrics.Transitions.WithLabelValues(string(action), resultLabel(err)).Inc()
		if apperr.KindOf(err) == "" {
			return model.Event{}, apperr.Wrap(apperr.KindWriteFailed, err, "record %s", action)
		}
		return model.Event{}, err
	}
	metrics.Transitions.WithLabelValues(string(action), "ok").Inc()

	if s.feed != nil {
		s.feed.Publish(p)
	}
	if s.queue != nil {
		// The transition is committed; the caller must not wait on the queue.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := s.queue.Publish(pctx, queue.Message{Type: MessageType, Body: []byte(evt.ID)}); err != nil {
			metrics.QueuePublishFailures.Inc()
			log.Printf("queue publish for event %s failed: %v", evt.ID, err)
		}
	}
	return evt, nil
}

// authorize rejects actors that are unknown or lack a staff/admin role.
func (s *Service) authorize(ctx context.Context, actingUserID string) error {
	actor, err := s.users.Get(ctx, actingUserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.New(apperr.KindUnauthorized, "unknown acting user")
		}
		return err
	}
	if !actor.Role.CanTrackAttendance() {
		return apperr.New(apperr.KindUnauthorized, "role %s may not record attendance", actor.Role)
	}
	return nil
}

func resultLabel(err error) string {
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return string(apperr.KindWriteFailed)
}

// ChildLedger returns the child's events, newest first.
func (s *Service) ChildLedger(ctx context.Context, childID string) ([]model.Event, error) {
	if childID == "" {
		return nil, apperr.New(apperr.KindValidation, "child id required")
	}
	events, err := s.ledger.ChildEvents(ctx, childID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// AllLedger returns every event, newest first.
func (s *Service) AllLedger(ctx context.Context) ([]model.Event, error) {
	events, err := s.ledger.AllEvents(ctx)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// Event returns a single ledger entry.
func (s *Service) Event(ctx context.Context, id string) (model.Event, error) {
	return s.ledger.GetEvent(ctx, id)
}

// Presence returns the child's current projection.
func (s *Service) Presence(ctx context.Context, childID string) (model.Presence, error) {
	return s.ledger.Presence(ctx, childID)
}

// SubscribeToPresence registers onChange for the child's projection. The
// current projection is delivered right away. Callers must Unsubscribe.
func (s *Service) SubscribeToPresence(ctx context.Context, childID string, onChange func(model.Presence)) (*presence.Subscription, error) {
	if onChange == nil {
		return nil, apperr.New(apperr.KindValidation, "callback required")
	}
	p, err := s.ledger.Presence(ctx, childID)
	if err != nil {
		return nil, err
	}
	s.feed.Publish(p)
	return s.feed.Subscribe(childID, onChange), nil
}
