package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/italolelis/recitation_downloader/internal/downloader"
	"github.com/italolelis/recitation_downloader/internal/logctx"
	"github.com/italolelis/recitation_downloader/internal/storage"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

var ErrNoWebhook = errors.New("webhook URL is not set")

type DiscordNotifier struct {
	webhookURL string
	client     *retryablehttp.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil

	return &DiscordNotifier{webhookURL: webhookURL, client: client}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.webhookURL == "" {
		return ErrNoWebhook
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// Forwarder turns terminal download events into notifications. Events are
// buffered so that a slow webhook never holds up the event bridge.
type Forwarder struct {
	notifier Notifier
	events   chan downloader.Event
}

func NewForwarder(n Notifier, buffer int) *Forwarder {
	return &Forwarder{notifier: n, events: make(chan downloader.Event, buffer)}
}

// Handle is an OnStatus subscriber. Events beyond the buffer are dropped.
func (f *Forwarder) Handle(e downloader.Event) {
	if e.Status != storage.StatusCompleted && e.Status != storage.StatusFailed {
		return
	}

	select {
	case f.events <- e:
	default:
	}
}

// Run sends queued notifications until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-f.events:
			if err := f.notifier.Notify(ctx, Message(e)); err != nil {
				logger.Warn("failed to send notification", "download_id", e.ID, "err", err)
			}
		}
	}
}

// Message renders the notification text of a terminal event.
func Message(e downloader.Event) string {
	if e.Status == storage.StatusFailed {
		return fmt.Sprintf("Download failed: %s #%03d (%s): %s", e.GroupID, e.ItemID, e.Quality, e.Error)
	}

	return fmt.Sprintf("Download completed: %s #%03d (%s, %s)", e.GroupID, e.ItemID, e.Quality, humanize.IBytes(uint64(max(e.FileSize, 0))))
}
