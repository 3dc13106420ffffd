package projectdeleter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPEventSource implements EventSource by polling a platform
// admin-event HTTP endpoint and acknowledging events by tag. The
// original implementation subscribes to a push-based event bus via
// apolo_events_client, a client library with no Go-ecosystem
// counterpart in the retrieved corpus; this polls the same two
// operations (receive pending events, ack a tag) over plain HTTP
// instead, the way the proxy already polls `_catalog` and
// `tags/list`.
type HTTPEventSource struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

// HTTPEventSourceParams configures an HTTPEventSource.
type HTTPEventSourceParams struct {
	BaseURL string
	// Client, if nil, defaults to http.DefaultClient.
	Client *http.Client
	// PollInterval, if zero, defaults to 10 seconds.
	PollInterval time.Duration
}

func NewHTTPEventSource(p HTTPEventSourceParams) *HTTPEventSource {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	interval := p.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HTTPEventSource{
		baseURL:      strings.TrimSuffix(p.BaseURL, "/"),
		client:       client,
		pollInterval: interval,
	}
}

var _ EventSource = (*HTTPEventSource)(nil)

type wireEvent struct {
	Type    string `json:"type"`
	Org     string `json:"org"`
	Project string `json:"project"`
	Tag     string `json:"tag"`
}

// Subscribe polls the admin-events endpoint every pollInterval until
// ctx is cancelled, delivering each event returned to handle in order.
func (s *HTTPEventSource) Subscribe(ctx context.Context, handle func(context.Context, Event) error) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		events, err := s.poll(ctx)
		if err == nil {
			for _, ev := range events {
				if err := handle(ctx, ev); err != nil {
					return err
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *HTTPEventSource) poll(ctx context.Context) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/admin-events", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin-events endpoint returned %d", resp.StatusCode)
	}
	var wire []wireEvent
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, err
	}
	events := make([]Event, len(wire))
	for i, w := range wire {
		events[i] = Event{Type: w.Type, Org: w.Org, Project: w.Project, Tag: w.Tag}
	}
	return events, nil
}

// Ack acknowledges tag against the admin-events endpoint.
func (s *HTTPEventSource) Ack(ctx context.Context, tag string) error {
	body := strings.NewReader(fmt.Sprintf(`{"tag":%q}`, tag))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/admin-events/ack", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("admin-events ack endpoint returned %d", resp.StatusCode)
	}
	return nil
}
