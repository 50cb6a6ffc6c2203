package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/querywatch/querywatch/model"
)

// WebhookChannel posts JSON payloads to a generic webhook endpoint
// (Teams-compatible incoming webhooks included).
type WebhookChannel struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookChannel builds a webhook channel. The URL is validated on
// every send as well, in case configuration is hot-swapped.
func NewWebhookChannel(rawURL string, enabled bool) *WebhookChannel {
	return &WebhookChannel{
		url:     rawURL,
		enabled: enabled && rawURL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Name() string  { return "webhook" }
func (w *WebhookChannel) Enabled() bool { return w.enabled }

// validateWebhookURL checks that the webhook URL uses http/https and
// does not target localhost, link-local, or cloud metadata endpoints.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme, got %q", scheme)
	}
	host := strings.ToLower(u.Hostname())
	blocked := []string{"169.254.169.254", "metadata.google.internal", "localhost", "127.0.0.1", "::1", "[::1]"}
	for _, b := range blocked {
		if host == b {
			return fmt.Errorf("webhook URL host %q is blocked", host)
		}
	}
	return nil
}

func (w *WebhookChannel) post(ctx context.Context, event string, payload interface{}) error {
	if err := validateWebhookURL(w.url); err != nil {
		return err
	}
	body := map[string]interface{}{
		"event":   event,
		"payload": payload,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

type webhookRegression struct {
	ID            string  `json:"id"`
	Instance      string  `json:"instance"`
	Database      string  `json:"database"`
	Metric        string  `json:"metric"`
	Severity      string  `json:"severity"`
	ChangePercent float64 `json:"changePercent"`
	Baseline      float64 `json:"baselineValue"`
	Current       float64 `json:"currentValue"`
	Description   string  `json:"description"`
	DetectedAtUtc string  `json:"detectedAtUtc"`
}

func (w *WebhookChannel) SendRegressionAlerts(ctx context.Context, events []model.RegressionEvent) error {
	payload := make([]webhookRegression, 0, len(events))
	for _, ev := range events {
		payload = append(payload, webhookRegression{
			ID:            ev.ID.String(),
			Instance:      ev.InstanceName,
			Database:      ev.DatabaseName,
			Metric:        ev.Metric.String(),
			Severity:      ev.Severity.String(),
			ChangePercent: ev.ChangePercent,
			Baseline:      ev.BaselineValue,
			Current:       ev.CurrentValue,
			Description:   ev.Description,
			DetectedAtUtc: ev.DetectedAtUtc.Format(time.RFC3339),
		})
	}
	return w.post(ctx, "regressions", payload)
}

func (w *WebhookChannel) SendHotspotSummary(ctx context.Context, hotspots []model.Hotspot) error {
	return w.post(ctx, "hotspots", hotspots)
}

func (w *WebhookChannel) SendDailySummary(ctx context.Context, summary DailySummary) error {
	return w.post(ctx, "dailySummary", summary)
}

func (w *WebhookChannel) TestConnection(ctx context.Context) error {
	return w.post(ctx, "test", map[string]string{"status": "ok"})
}
