package presence

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/lib/pq"

	"ikid/internal/model"
)

const (
	// Channel is the Postgres NOTIFY channel fed by the children trigger.
	Channel = "child_presence"

	listenerMinReconnectInterval = 10 * time.Second
	listenerMaxReconnectInterval = time.Minute
	pingInterval                 = 90 * time.Second
)

// ResyncFunc reloads the projections of the given children after the
// listener lost its connection and may have missed notifications.
type ResyncFunc func(ctx context.Context, childIDs []string)

// Listener forwards Postgres presence notifications into a Hub so changes
// written by other API instances reach local subscribers.
type Listener struct {
	dbURL  string
	hub    *Hub
	resync ResyncFunc
}

// NewListener creates a listener. resync may be nil.
func NewListener(dbURL string, hub *Hub, resync ResyncFunc) *Listener {
	return &Listener{dbURL: dbURL, hub: hub, resync: resync}
}

// Run blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("presence listener: %v", err)
		}
	}

	listener := pq.NewListener(l.dbURL, listenerMinReconnectInterval, listenerMaxReconnectInterval, reportProblem)
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return err
	}
	log.Printf("presence listener: listening on %q", Channel)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n := <-listener.Notify:
			if n == nil {
				// Reconnected; anything sent while we were away is lost.
				if l.resync != nil {
					l.resync(ctx, l.hub.Watched())
				}
				continue
			}
			p, err := DecodeNotification(n.Extra)
			if err != nil {
				log.Printf("presence listener: bad payload: %v", err)
				continue
			}
			l.hub.Publish(p)

		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					log.Printf("presence listener: ping failed: %v", err)
				}
			}()
		}
	}
}

// DecodeNotification parses the JSON payload built by the children trigger.
func DecodeNotification(payload string) (model.Presence, error) {
	var p model.Presence
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return model.Presence{}, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	if p.LastCheckIn != nil {
		t := p.LastCheckIn.UTC()
		p.LastCheckIn = &t
	}
	if p.LastCheckOut != nil {
		t := p.LastCheckOut.UTC()
		p.LastCheckOut = &t
	}
	return p, nil
}
