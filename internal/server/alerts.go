package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"careline/internal/config"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/events"
)

const (
	defaultAlertInterval = 2 * time.Second
	defaultAlertTimeout  = 5 * time.Second
	defaultAlertBatch    = 100
)

// alertDispatcher forwards audit events to caregiver webhooks. Each hook
// keeps its own cursor so a slow endpoint never blocks the others, and a
// failed delivery is retried on the next tick from the same position.
type alertDispatcher struct {
	engine  *engine.Engine
	hooks   []config.WebhookConfig
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// StartAlertDispatcher begins polling the event log and posting matching
// events to the configured alert webhooks. It returns immediately; the
// dispatcher stops when ctx is cancelled. No-op when hooks is empty.
func StartAlertDispatcher(ctx context.Context, e *engine.Engine, hooks []config.WebhookConfig) {
	if len(hooks) == 0 {
		return
	}
	d := &alertDispatcher{
		engine:  e,
		hooks:   hooks,
		client:  &http.Client{Timeout: defaultAlertTimeout},
		cursors: make(map[int]int64),
	}
	go d.run(ctx)
}

func (d *alertDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultAlertInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *alertDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchHook(ctx, i, hook)
	}
}

func (d *alertDispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.engine.Repo.EventsAfter(ctx, defaultAlertBatch, cursor)
	if err != nil {
		log.Printf("alert: fetch events failed: %v", err)
		return
	}
	if len(evts) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("alert: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a new hook at the current tail of the log so restarting
// the server does not replay history into caregiver channels.
func (d *alertDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		log.Printf("alert: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *alertDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type alertEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *alertDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := alertEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultAlertTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Careline-Event", evt.Type)
	req.Header.Set("X-Careline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Careline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		resBody, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(resBody)))
	}
	return nil
}

type eventFilter struct {
	set map[string]struct{}
}

// newEventFilter defaults to missed-task alerts when no events are listed;
// that is the one signal caregivers always want.
func newEventFilter(evts []string) eventFilter {
	set := make(map[string]struct{}, len(evts))
	for _, evt := range evts {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if key == "*" {
			return eventFilter{}
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		set[events.TaskMissed] = struct{}{}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.set == nil {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
