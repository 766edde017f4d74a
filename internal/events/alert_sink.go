package events

import (
	"context"
	"fmt"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/pkg/alert"
)

// AlertSink 主切换发 warning 告警，无可用端点发 critical 告警，其余事件忽略
type AlertSink struct {
	alerter alert.Alerter
}

// NewAlertSink 创建告警下游
func NewAlertSink(alerter alert.Alerter) *AlertSink {
	return &AlertSink{alerter: alerter}
}

func (s *AlertSink) Name() string { return "alert" }

func (s *AlertSink) Publish(_ context.Context, ev *model.SelectionEvent, sel model.SelectionState) error {
	a := alertFor(ev, sel)
	if a != nil {
		s.alerter.SendAsync(a)
	}
	return nil
}

func alertFor(ev *model.SelectionEvent, sel model.SelectionState) *alert.Alert {
	tags := map[string]string{
		"kind":     string(ev.Kind),
		"event_id": ev.ID,
	}

	switch ev.Type {
	case model.EventPrimarySwitch:
		tags["from"] = ev.From
		tags["to"] = ev.To
		return &alert.Alert{
			Title:     fmt.Sprintf("Primary endpoint switched (%s)", ev.Kind),
			Message:   fmt.Sprintf("%s -> %s", ev.From, ev.To),
			Severity:  alert.SeverityWarning,
			Tags:      tags,
			Timestamp: ev.Timestamp,
		}
	case model.EventNoEndpoint:
		tags["last_primary"] = sel.PrimaryName
		return &alert.Alert{
			Title:     fmt.Sprintf("No endpoint available (%s)", ev.Kind),
			Message:   fmt.Sprintf("every %s endpoint is down", ev.Kind),
			Severity:  alert.SeverityCritical,
			Tags:      tags,
			Timestamp: ev.Timestamp,
		}
	}
	return nil
}
