package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Notification is one message to one guardian.
type Notification struct {
	GuardianID string    `json:"guardian_id"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone,omitempty"`
	ChildID    string    `json:"child_id"`
	EventID    string    `json:"event_id"`
	Action     string    `json:"action"`
	OccurredAt time.Time `json:"occurred_at"`
	Message    string    `json:"message"`
}

// Client posts guardian notifications to the delivery gateway.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send delivers n. In skip mode the notification is only logged by the caller.
func (c *Client) Send(ctx context.Context, n Notification) error {
	if c.Skip {
		return nil
	}
	if c.BaseURL == "" {
		return fmt.Errorf("notification gateway url not configured")
	}

	body, _ := json.Marshal(n)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notification gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notification gateway error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}

// Health checks if the gateway is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notification gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification gateway unhealthy: %s", resp.Status)
	}
	return nil
}
