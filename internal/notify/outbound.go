package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/habitmind/habitmind/internal/logging"
)

// Sink delivers notifications and summaries to an external service.
// Delivery failures are logged and swallowed; the pipeline never blocks on
// an outbound endpoint.
type Sink struct {
	notifyURL  string
	memoryURL  string
	httpClient *http.Client
	log        *logging.Logger
}

// SinkConfig configures the outbound sink. Empty URLs disable the
// corresponding delivery.
type SinkConfig struct {
	NotifyURL string // Receives full Notification JSON
	MemoryURL string // Receives {"summary": ...} digests
	Timeout   time.Duration
}

// NewSink creates an outbound sink
func NewSink(cfg SinkConfig) *Sink {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Sink{
		notifyURL: cfg.NotifyURL,
		memoryURL: cfg.MemoryURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: logging.WithField("component", "notify_sink"),
	}
}

// Send posts the notification to the webhook endpoint. Satisfies Subscriber
// but never returns an error, so a flaky webhook is not unsubscribed.
func (s *Sink) Send(n Notification) error {
	if s.notifyURL == "" {
		return nil
	}
	if err := s.post(context.Background(), s.notifyURL, n); err != nil {
		s.log.Warn("webhook delivery failed: %v", err)
	}
	return nil
}

// ID identifies the sink among subscribers
func (s *Sink) ID() string {
	return "outbound-webhook"
}

// RecordSummary posts a short text digest to the memory endpoint
func (s *Sink) RecordSummary(ctx context.Context, summary string) {
	if s.memoryURL == "" || summary == "" {
		return
	}
	payload := map[string]string{"summary": summary}
	if err := s.post(ctx, s.memoryURL, payload); err != nil {
		s.log.Warn("memory summary delivery failed: %v", err)
	}
}

func (s *Sink) post(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
