// Package notify tells guardians when their child is checked in or out. The
// API enqueues the id of every recorded event; the worker runs a Dispatcher
// over the queue.
package notify

import (
	"context"
	"log"
	"time"

	"ikid/internal/apperr"
	"ikid/internal/attendance"
	"ikid/internal/metrics"
	"ikid/internal/model"
	"ikid/internal/queue"
)

// EventSource loads recorded ledger entries.
type EventSource interface {
	Event(ctx context.Context, id string) (model.Event, error)
}

// ChildLookup resolves children.
type ChildLookup interface {
	Get(ctx context.Context, id string) (model.Child, error)
}

// UserLookup resolves guardian accounts.
type UserLookup interface {
	Get(ctx context.Context, id string) (model.User, error)
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Dispatcher turns queued attendance events into guardian notifications.
type Dispatcher struct {
	events   EventSource
	children ChildLookup
	users    UserLookup
	sender   Sender
	loc      *time.Location
}

// NewDispatcher wires a dispatcher. Times in messages use loc.
func NewDispatcher(events EventSource, children ChildLookup, users UserLookup, sender Sender, loc *time.Location) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{events: events, children: children, users: users, sender: sender, loc: loc}
}

// Compose builds the text a guardian receives.
func Compose(childName string, evt model.Event, loc *time.Location) string {
	verb := "krysset inn"
	if evt.Action == model.ActionCheckOut {
		verb = "krysset ut"
	}
	msg := childName + " ble " + verb + " kl. " + attendance.FormatTime(evt.Timestamp.In(loc))
	if evt.Notes != "" {
		msg += " (" + evt.Notes + ")"
	}
	return msg
}

// Handle processes one queue message and returns how many guardians were
// notified. Messages of other types are ignored. A child or event that was
// deleted in the meantime is skipped without error.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) (int, error) {
	if msg.Type != attendance.MessageType {
		return 0, nil
	}
	id := string(msg.Body)

	evt, err := d.events.Event(ctx, id)
	if apperr.KindOf(err) == apperr.KindNotFound {
		log.Printf("event %s no longer exists, skipping", id)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	child, err := d.children.Get(ctx, evt.ChildID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		log.Printf("child %s of event %s no longer exists, skipping", evt.ChildID, id)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	text := Compose(child.FullName(), evt, d.loc)
	sent := 0
	for _, gid := range child.ParentIDs {
		guardian, err := d.users.Get(ctx, gid)
		if err != nil {
			log.Printf("guardian %s of child %s: %v", gid, child.ID, err)
			metrics.Notifications.WithLabelValues("failed").Inc()
			continue
		}
		err = d.sender.Send(ctx, Notification{
			GuardianID: guardian.ID,
			Email:      guardian.Email,
			Phone:      guardian.Phone,
			ChildID:    child.ID,
			EventID:    evt.ID,
			Action:     string(evt.Action),
			OccurredAt: evt.Timestamp,
			Message:    text,
		})
		if err != nil {
			log.Printf("notify guardian %s about event %s failed: %v", guardian.ID, evt.ID, err)
			metrics.Notifications.WithLabelValues("failed").Inc()
			continue
		}
		metrics.Notifications.WithLabelValues("sent").Inc()
		sent++
	}
	return sent, nil
}

// Run consumes q until ctx is done or the queue closes.
func (d *Dispatcher) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		n, err := d.Handle(ctx, msg)
		if err != nil {
			log.Printf("processing %s message %s failed: %v", msg.Type, string(msg.Body), err)
			continue
		}
		if n > 0 {
			log.Printf("event %s: notified %d guardian(s)", string(msg.Body), n)
		}
	}
	return nil
}
