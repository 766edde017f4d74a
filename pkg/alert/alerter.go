// Package alert provides webhook alerting for endpoint selection incidents
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/pkg/logger"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents an alert message
type Alert struct {
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source"`
	Environment string            `json:"environment"`
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Alerter is the interface for sending alerts
type Alerter interface {
	// Send sends an alert and waits for the webhook to answer
	Send(ctx context.Context, alert *Alert) error

	// SendAsync queues an alert; it is dropped when the queue is full
	SendAsync(alert *Alert)

	// Close drains the async worker
	Close()
}

// Config holds alerter configuration
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Environment string `yaml:"environment" json:"environment"`
	ServiceName string `yaml:"service_name" json:"service_name"`

	// Webhook configuration
	WebhookURL     string        `yaml:"webhook_url" json:"webhook_url"`
	WebhookType    string        `yaml:"webhook_type" json:"webhook_type"` // slack, dingtalk, generic
	WebhookTimeout time.Duration `yaml:"webhook_timeout" json:"webhook_timeout"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	QueueSize          int `yaml:"queue_size" json:"queue_size"`
}

type webhookAlerter struct {
	cfg    *Config
	client *http.Client
	log    *zap.Logger

	mu          sync.Mutex
	alertCount  int
	windowStart time.Time

	queue    chan *Alert
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAlerter creates a webhook alerter, or a no-op one when alerting is disabled
func NewAlerter(cfg *Config) Alerter {
	if cfg == nil || !cfg.Enabled || cfg.WebhookURL == "" {
		return noopAlerter{}
	}

	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	a := &webhookAlerter{
		cfg:         cfg,
		client:      &http.Client{Timeout: timeout},
		log:         logger.Named("alert"),
		windowStart: time.Now(),
		queue:       make(chan *Alert, queueSize),
		stopCh:      make(chan struct{}),
	}

	a.wg.Add(1)
	go a.worker()

	return a
}

func (a *webhookAlerter) stamp(alert *Alert) {
	alert.Source = a.cfg.ServiceName
	alert.Environment = a.cfg.Environment
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
}

func (a *webhookAlerter) Send(ctx context.Context, alert *Alert) error {
	a.stamp(alert)
	if !a.allow() {
		a.log.Warn("alert rate limited",
			zap.String("title", alert.Title),
			zap.String("severity", string(alert.Severity)))
		return nil
	}
	return a.post(ctx, alert)
}

func (a *webhookAlerter) SendAsync(alert *Alert) {
	a.stamp(alert)
	select {
	case a.queue <- alert:
	default:
		a.log.Warn("alert queue full, dropping alert", zap.String("title", alert.Title))
	}
}

func (a *webhookAlerter) worker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			return
		case alert := <-a.queue:
			if !a.allow() {
				continue
			}
			if err := a.post(context.Background(), alert); err != nil {
				a.log.Error("async alert send failed",
					zap.String("title", alert.Title),
					zap.Error(err))
			}
		}
	}
}

func (a *webhookAlerter) allow() bool {
	if a.cfg.RateLimitPerMinute <= 0 {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if now.Sub(a.windowStart) > time.Minute {
		a.windowStart = now
		a.alertCount = 0
	}
	if a.alertCount >= a.cfg.RateLimitPerMinute {
		return false
	}
	a.alertCount++
	return true
}

func (a *webhookAlerter) post(ctx context.Context, alert *Alert) error {
	payload, err := Format(a.cfg.WebhookType, alert)
	if err != nil {
		return fmt.Errorf("format alert failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *webhookAlerter) Close() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
}

// Format renders an alert for the given webhook flavour
func Format(webhookType string, alert *Alert) ([]byte, error) {
	switch webhookType {
	case "slack":
		return formatSlack(alert)
	case "dingtalk":
		return formatDingTalk(alert)
	default:
		return json.Marshal(alert)
	}
}

func sortedTags(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatSlack(alert *Alert) ([]byte, error) {
	color := "#36a64f"
	switch alert.Severity {
	case SeverityWarning:
		color = "#ffc107"
	case SeverityCritical:
		color = "#dc3545"
	}

	fields := []map[string]interface{}{
		{"title": "Environment", "value": alert.Environment, "short": true},
		{"title": "Service", "value": alert.Source, "short": true},
	}
	for _, k := range sortedTags(alert.Tags) {
		fields = append(fields, map[string]interface{}{"title": k, "value": alert.Tags[k], "short": true})
	}

	return json.Marshal(map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":  color,
				"title":  alert.Title,
				"text":   alert.Message,
				"fields": fields,
				"footer": "eidos-endpoints",
				"ts":     alert.Timestamp.Unix(),
			},
		},
	})
}

func formatDingTalk(alert *Alert) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "### [%s] %s\n\n**环境**: %s\n**服务**: %s\n**时间**: %s\n\n%s",
		strings.ToUpper(string(alert.Severity)), alert.Title,
		alert.Environment, alert.Source,
		alert.Timestamp.Format("2006-01-02 15:04:05"),
		alert.Message)
	if len(alert.Tags) > 0 {
		b.WriteString("\n\n**标签**:\n")
		for _, k := range sortedTags(alert.Tags) {
			fmt.Fprintf(&b, "- %s: %s\n", k, alert.Tags[k])
		}
	}

	return json.Marshal(map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": alert.Title,
			"text":  b.String(),
		},
	})
}

type noopAlerter struct{}

func (noopAlerter) Send(context.Context, *Alert) error { return nil }
func (noopAlerter) SendAsync(*Alert)                   {}
func (noopAlerter) Close()                             {}
