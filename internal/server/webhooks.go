package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jubee/internal/config"
	"jubee/internal/domain"
	"jubee/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// hookTarget is one configured webhook and how far it has been served.
type hookTarget struct {
	url    string
	secret string
	client *http.Client
	match  sessionFilter
	// cursor is the last event id handled; -1 until the first pass.
	cursor int64
}

// WebhookDispatcher reads the session event log once per pass and fans the
// new events out to every hook whose filter matches. A hook that fails keeps
// its cursor and is retried on the next pass without holding back the others.
type WebhookDispatcher struct {
	repo     repo.Repo
	targets  []*hookTarget
	interval time.Duration
	wake     chan struct{}
	log      zerolog.Logger
	mu       sync.Mutex
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger zerolog.Logger) *WebhookDispatcher {
	d := &WebhookDispatcher{
		repo:     r,
		interval: defaultWebhookInterval,
		wake:     make(chan struct{}, 1),
		log:      logger.With().Str("component", "webhooks").Logger(),
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := defaultWebhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d.targets = append(d.targets, &hookTarget{
			url:    hook.URL,
			secret: strings.TrimSpace(hook.Secret),
			client: &http.Client{Timeout: timeout},
			match:  newSessionFilter(hook.Events, hook.Tools),
			cursor: -1,
		})
	}
	return d
}

// Wake asks Run for an immediate pass instead of waiting for the next tick.
func (d *WebhookDispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is done. It returns immediately when no hooks are enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.targets) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchAll runs one pass. Hooks start at the end of the log on their first
// pass, so events written before the dispatcher started are not replayed.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.targets) == 0 {
		return
	}
	from := int64(-1)
	for _, t := range d.targets {
		if t.cursor < 0 {
			latest, err := d.repo.LatestEventID(ctx)
			if err != nil {
				d.log.Warn().Err(err).Msg("init cursor")
				return
			}
			t.cursor = latest
		}
		if from < 0 || t.cursor < from {
			from = t.cursor
		}
	}
	batch, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, from)
	if err != nil {
		d.log.Warn().Err(err).Msg("fetch events")
		return
	}
	for _, t := range d.targets {
		d.serve(ctx, t, batch)
	}
}

func (d *WebhookDispatcher) serve(ctx context.Context, t *hookTarget, batch []domain.Event) {
	for _, evt := range batch {
		if evt.ID <= t.cursor {
			continue
		}
		if t.match.match(evt) {
			if err := t.deliver(ctx, evt); err != nil {
				d.log.Warn().Err(err).Str("url", t.url).Int64("event_id", evt.ID).Msg("deliver event")
				return
			}
		}
		t.cursor = evt.ID
	}
}

// sessionDelivery is the JSON body posted for one event.
type sessionDelivery struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	At      string          `json:"at"`
	Session deliverySession `json:"session"`
	ActorID string          `json:"actor_id"`
	Data    json.RawMessage `json:"data"`
}

type deliverySession struct {
	ID   string `json:"id"`
	Tool string `json:"tool,omitempty"`
}

func newSessionDelivery(evt domain.Event) sessionDelivery {
	data := json.RawMessage(`{}`)
	switch {
	case evt.Payload == "":
	case json.Valid([]byte(evt.Payload)):
		data = json.RawMessage(evt.Payload)
	default:
		raw, _ := json.Marshal(map[string]string{"raw": evt.Payload})
		data = raw
	}
	return sessionDelivery{
		ID:      evt.ID,
		Type:    evt.Type,
		At:      evt.TS,
		Session: deliverySession{ID: evt.SessionID, Tool: evt.Tool},
		ActorID: evt.ActorID,
		Data:    data,
	}
}

// signBody returns the hex HMAC-SHA256 of body under secret.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *hookTarget) deliver(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(newSessionDelivery(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jubee-Event", evt.Type)
	req.Header.Set("X-Jubee-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Jubee-Session", evt.SessionID)
	if t.secret != "" {
		req.Header.Set("X-Jubee-Signature", "sha256="+signBody(t.secret, body))
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// sessionFilter selects events by type and by the session's tool.
type sessionFilter struct {
	types []string
	tools []string
}

func newSessionFilter(types, tools []string) sessionFilter {
	clean := func(in []string) []string {
		var out []string
		for _, v := range in {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return sessionFilter{types: clean(types), tools: clean(tools)}
}

func (f sessionFilter) match(evt domain.Event) bool {
	if len(f.types) > 0 && !slices.Contains(f.types, evt.Type) {
		return false
	}
	if len(f.tools) > 0 && !slices.Contains(f.tools, evt.Tool) {
		return false
	}
	return true
}
