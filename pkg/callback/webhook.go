package callback

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goccy/go-json"
)

const DefaultTimeout = 5 * time.Second

// Snapshot is what the webhook reports for a room.
type Snapshot struct {
	Room  string   `json:"room"`
	Heads []string `json:"heads"`
	Data  any      `json:"data"`
}

// Lookup resolves the live document of a room at the moment the webhook fires. It returns
// false when the room is not loaded.
type Lookup func(room string) (Snapshot, bool)

type WebhookOptions struct {
	URL     string
	Timeout time.Duration
	Retries uint64
	Client  *http.Client
	Logger  *slog.Logger
}

type Webhook struct {
	url     string
	timeout time.Duration
	retries uint64
	client  *http.Client
	lookup  Lookup
	log     *slog.Logger
}

func NewWebhook(opts WebhookOptions, lookup Lookup) *Webhook {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Webhook{
		url:     opts.URL,
		timeout: opts.Timeout,
		retries: opts.Retries,
		client:  opts.Client,
		lookup:  lookup,
		log:     opts.Logger,
	}
}

// Notify posts the current state of room. It is a NotifyFunc.
func (w *Webhook) Notify(ctx context.Context, room string) {
	snap, ok := w.lookup(room)
	if !ok {
		w.log.Debug("room no longer loaded, skipping callback", "room", room)
		return
	}
	body, err := json.Marshal(snap)
	if err != nil {
		w.log.Error("failed to encode callback", "room", room, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.retries), ctx)
	if err := backoff.Retry(func() error { return w.post(ctx, body) }, policy); err != nil {
		w.log.Error("callback failed", "room", room, "url", w.url, "err", err)
		return
	}
	w.log.Debug("callback delivered", "room", room)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(fmt.Errorf("rejected with status code: %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
