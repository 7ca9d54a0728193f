// Package callback posts scan progress and completion to caller-supplied URLs.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Collector identifies this service in callback payloads.
const Collector = "device-discovery"

// Reporter sends progress and completion callbacks for one scan. Empty URLs
// disable the matching callback.
type Reporter struct {
	scanID      string
	progressURL string
	completeURL string
	apiKey      string
	logger      *zap.SugaredLogger
	client      *http.Client
	sequence    int64 // Monotonic counter for idempotency

	attempts int
	backoff  time.Duration
}

// Progress represents a progress update.
type Progress struct {
	ScanID             string   `json:"scan_id"`
	Collector          string   `json:"collector"`
	Sequence           int      `json:"sequence"`
	Phase              string   `json:"phase,omitempty"`
	Progress           int      `json:"progress"`
	DiscoveryCount     int      `json:"discovery_count"`
	CompletedProtocols []string `json:"completed_protocols,omitempty"`
	Message            string   `json:"message,omitempty"`
	Timestamp          string   `json:"timestamp"`
}

// Completion represents a scan completion.
type Completion struct {
	ScanID          string         `json:"scan_id"`
	Collector       string         `json:"collector"`
	Sequence        int            `json:"sequence"`
	Status          string         `json:"status"` // completed, cancelled
	DiscoveryCount  int            `json:"discovery_count"`
	ProtocolCounts  map[string]int `json:"protocol_counts,omitempty"`
	FailedProtocols []string       `json:"failed_protocols,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Timestamp       string         `json:"timestamp"`
}

// NewReporter creates a new callback reporter.
func NewReporter(scanID, progressURL, completeURL, apiKey string, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{
		scanID:      scanID,
		progressURL: progressURL,
		completeURL: completeURL,
		apiKey:      apiKey,
		logger:      logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

// Enabled reports whether any callback URL is configured.
func (r *Reporter) Enabled() bool {
	return r.progressURL != "" || r.completeURL != ""
}

// ReportProgress sends a progress update.
func (r *Reporter) ReportProgress(p Progress) error {
	if r.progressURL == "" {
		return nil
	}
	p.ScanID = r.scanID
	p.Collector = Collector
	p.Sequence = int(atomic.AddInt64(&r.sequence, 1))
	p.Timestamp = time.Now().UTC().Format(time.RFC3339)

	return r.sendCallback(r.progressURL, p)
}

// ReportComplete sends a completion callback.
func (r *Reporter) ReportComplete(c Completion) error {
	if r.completeURL == "" {
		return nil
	}
	c.ScanID = r.scanID
	c.Collector = Collector
	c.Sequence = int(atomic.AddInt64(&r.sequence, 1))
	c.Timestamp = time.Now().UTC().Format(time.RFC3339)

	return r.sendCallback(r.completeURL, c)
}

// GetScanID returns the scan ID.
func (r *Reporter) GetScanID() string {
	return r.scanID
}

// sendCallback posts payload, retrying transport errors and 5xx replies with
// a linear backoff. Sequence numbers let the receiver drop repeats.
func (r *Reporter) sendCallback(url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * r.backoff)
		}

		status, err := r.post(url, body)
		switch {
		case err != nil:
			lastErr = fmt.Errorf("callback request failed: %w", err)
		case status >= 500:
			lastErr = fmt.Errorf("callback returned status %d", status)
		case status >= 400:
			r.logger.Warnw("Callback rejected", "url", url, "status", status)
			return fmt.Errorf("callback returned status %d", status)
		default:
			r.logger.Debugw("Callback sent", "url", url, "status", status, "attempt", attempt)
			return nil
		}
	}

	r.logger.Warnw("Callback failed", "url", url, "attempts", r.attempts, "error", lastErr)
	return lastErr
}

func (r *Reporter) post(url string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
