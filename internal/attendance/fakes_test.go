package attendance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ikid/internal/apperr"
	"ikid/internal/model"
)

// memLedger implements Ledger in memory with the same locking semantics as
// the Postgres repository: one transition at a time, guard evaluated under
// the lock.
type memLedger struct {
	mu       sync.Mutex
	children map[string]*model.Child
	events   []model.Event
	now      func() time.Time

	// Error injection.
	TransitionErr error
	ReadErr       error
}

func newMemLedger(clock func() time.Time) *memLedger {
	return &memLedger{children: make(map[string]*model.Child), now: clock}
}

func (m *memLedger) addChild(c model.Child) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == "" {
		c.Status = model.StatusNotCheckedIn
	}
	m.children[c.ID] = &c
}

func (m *memLedger) Transition(ctx context.Context, evt model.Event, guard func(model.Status) error) (model.Event, model.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TransitionErr != nil {
		return model.Event{}, model.Presence{}, m.TransitionErr
	}
	c, ok := m.children[evt.ChildID]
	if !ok {
		return model.Event{}, model.Presence{}, apperr.New(apperr.KindNotFound, "child %s not found", evt.ChildID)
	}
	if err := guard(c.Status); err != nil {
		return model.Event{}, model.Presence{}, err
	}
	updated := c.UpdatedAt
	evt.Timestamp = NextTimestamp(m.now(), c.LastCheckIn, c.LastCheckOut, &updated)
	m.events = append(m.events, evt)

	ts := evt.Timestamp
	c.Status = evt.Action.Result()
	if evt.Action == model.ActionCheckIn {
		c.LastCheckIn = &ts
	} else {
		c.LastCheckOut = &ts
	}
	c.UpdatedAt = ts
	return evt, model.PresenceOf(*c), nil
}

func (m *memLedger) sorted(filter func(model.Event) bool) []model.Event {
	res := []model.Event{}
	for _, e := range m.events {
		if filter(e) {
			res = append(res, e)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.After(res[j].Timestamp) })
	return res
}

func (m *memLedger) ChildEvents(ctx context.Context, childID string) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	return m.sorted(func(e model.Event) bool { return e.ChildID == childID }), nil
}

func (m *memLedger) AllEvents(ctx context.Context) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	return m.sorted(func(model.Event) bool { return true }), nil
}

func (m *memLedger) GetEvent(ctx context.Context, id string) (model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			return e, nil
		}
	}
	return model.Event{}, apperr.New(apperr.KindNotFound, "event %s not found", id)
}

func (m *memLedger) Presence(ctx context.Context, childID string) (model.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return model.Presence{}, m.ReadErr
	}
	c, ok := m.children[childID]
	if !ok {
		return model.Presence{}, apperr.New(apperr.KindNotFound, "child %s not found", childID)
	}
	return model.PresenceOf(*c), nil
}

func (m *memLedger) Get(ctx context.Context, id string) (model.Child, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.children[id]
	if !ok {
		return model.Child{}, apperr.New(apperr.KindNotFound, "child %s not found", id)
	}
	return *c, nil
}

type memUsers map[string]model.User

func (u memUsers) Get(ctx context.Context, id string) (model.User, error) {
	user, ok := u[id]
	if !ok {
		return model.User{}, apperr.New(apperr.KindNotFound, "user %s not found", id)
	}
	return user, nil
}

// stepClock advances by one second on every call.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

var errBoom = errors.New("connection reset by peer")
