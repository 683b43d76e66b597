// Package webhook delivers signed terminal-state notifications for jobs.
//
// Deliveries are best effort: a notification is attempted a bounded number of
// times with exponential backoff, then logged and dropped. Payloads are signed
// with HMAC-SHA256 over the raw body so receivers can authenticate the sender.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxanote/voxanote/internal/jobs"
	"github.com/voxanote/voxanote/internal/observe"
)

const (
	// EventCompleted is sent when a job finishes successfully.
	EventCompleted = "job.completed"

	// EventFailed is sent when a job fails.
	EventFailed = "job.failed"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 5
	defaultBackoffBase = time.Second
)

// Compile-time assertion that Notifier satisfies the orchestrator contract.
var _ jobs.Notifier = (*Notifier)(nil)

// Event is the notification body posted to the subscriber's URL.
type Event struct {
	JobID     string    `json:"job_id"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// EventData carries the outcome details. For completed jobs the file refs
// point at the stored artifacts; for failed jobs only Error is set.
type EventData struct {
	NotesDetected  int     `json:"notes_detected,omitempty"`
	AudioDuration  float64 `json:"audio_duration,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	MIDIFile       string  `json:"midi_file,omitempty"`
	JSONFile       string  `json:"json_file,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Notifier posts signed job notifications over HTTP. Safe for concurrent use.
type Notifier struct {
	// mu guards secret and maxAttempts, which a config reload may swap while
	// deliveries are in flight.
	mu          sync.RWMutex
	secret      []byte
	maxAttempts int

	client      *http.Client
	backoffBase time.Duration
	metrics     *observe.Metrics
	log         *slog.Logger
}

// Option configures a [Notifier].
type Option func(*Notifier)

// WithHTTPClient replaces the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithMaxAttempts bounds the delivery attempts per notification.
func WithMaxAttempts(max int) Option {
	return func(n *Notifier) {
		if max > 0 {
			n.maxAttempts = max
		}
	}
}

// WithBackoffBase sets the backoff unit; attempt k waits base·2^k before
// retrying. Mainly shortened in tests.
func WithBackoffBase(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.backoffBase = d
		}
	}
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

// New creates a [Notifier] signing payloads with secret.
func New(secret string, opts ...Option) *Notifier {
	n := &Notifier{
		secret:      []byte(secret),
		client:      &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		metrics:     observe.DefaultMetrics(),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Reconfigure swaps the signing secret and attempt bound. Deliveries already
// in flight keep the values they started with.
func (n *Notifier) Reconfigure(secret string, maxAttempts int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.secret = []byte(secret)
	if maxAttempts > 0 {
		n.maxAttempts = maxAttempts
	}
}

func (n *Notifier) attempts() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.maxAttempts
}

func (n *Notifier) signingSecret() []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.secret
}

// Notify builds the event for the job's terminal state and delivers it to the
// job's webhook URL. Exhausted deliveries are logged and dropped; Notify never
// reports an error to the caller.
func (n *Notifier) Notify(ctx context.Context, job jobs.Job) {
	if job.Config.WebhookURL == "" || !job.Status.Terminal() {
		return
	}

	event := Event{
		JobID:     job.ID,
		Timestamp: time.Now().UTC(),
	}
	switch job.Status {
	case jobs.StatusCompleted:
		event.Event = EventCompleted
		event.Data = EventData{
			NotesDetected:  job.NotesDetected,
			AudioDuration:  job.AudioDuration,
			ProcessingTime: job.ProcessingTime,
		}
		if job.Result != nil {
			event.Data.MIDIFile = job.Result.Files.MIDI
			event.Data.JSONFile = job.Result.Files.JSON
		}
	case jobs.StatusFailed:
		event.Event = EventFailed
		event.Data = EventData{Error: job.ErrorMessage}
	}

	body, err := json.Marshal(event)
	if err != nil {
		n.log.Error("webhook: encode event", "job_id", job.ID, "error", err)
		return
	}

	url := job.Config.WebhookURL
	maxAttempts := n.attempts()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := n.backoffBase << attempt
			select {
			case <-ctx.Done():
				n.log.Warn("webhook: delivery abandoned",
					"job_id", job.ID, "url", url, "error", ctx.Err())
				return
			case <-time.After(wait):
			}
		}

		err := n.deliver(ctx, url, event.Event, body)
		if err == nil {
			n.metrics.RecordWebhookDelivery(ctx, "delivered")
			n.log.Info("webhook delivered",
				"job_id", job.ID, "event", event.Event, "attempt", attempt+1)
			return
		}
		n.metrics.RecordWebhookDelivery(ctx, "retry")
		n.log.Warn("webhook delivery failed",
			"job_id", job.ID, "url", url, "attempt", attempt+1, "error", err)
	}

	n.metrics.RecordWebhookDelivery(ctx, "dropped")
	n.log.Error("webhook dropped after max attempts",
		"job_id", job.ID, "url", url, "attempts", maxAttempts)
}

// deliver performs one signed POST. Any non-2xx response counts as a failure.
func (n *Notifier) deliver(ctx context.Context, url, eventName string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", eventName)
	req.Header.Set("X-Webhook-Delivery", uuid.NewString())
	req.Header.Set("X-Webhook-Signature", Signature(n.signingSecret(), body))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Signature computes the header value for a payload: "sha256=" followed by
// the hex HMAC-SHA256 of the body under the secret. Exposed so receivers can
// verify deliveries in their own code.
func Signature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
