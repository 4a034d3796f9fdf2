// Package alert delivers operational alerts raised by the anchoring pipeline
// and the component health prober.
package alert

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event types.
const (
	EventRetriesExhausted   = "anchor.retries_exhausted"
	EventRejected           = "anchor.rejected"
	EventIntegrityViolation = "anchor.integrity_violation"
	EventComponentDegraded  = "component.degraded"
	EventComponentRecovered = "component.recovered"
)

// Alert is the JSON body posted to webhook receivers.
type Alert struct {
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields"`
}

// Severity returns the severity of an event type.
func Severity(eventType string) string {
	switch eventType {
	case EventIntegrityViolation:
		return "critical"
	case EventComponentRecovered:
		return "info"
	default:
		return "warning"
	}
}

// Dispatcher delivers alerts. Dispatch never blocks on delivery and never
// fails the caller; delivery problems are logged.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string, fields map[string]string)
}

// LogDispatcher writes alerts to the log.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch implements Dispatcher.
func (d *LogDispatcher) Dispatch(_ context.Context, eventType string, fields map[string]string) {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("alert", eventType))
	for k, v := range fields {
		zf = append(zf, zap.String(k, v))
	}
	switch Severity(eventType) {
	case "critical":
		d.logger.Error("alert raised", zf...)
	case "info":
		d.logger.Info("alert raised", zf...)
	default:
		d.logger.Warn("alert raised", zf...)
	}
}

// Multi fans an alert out to several dispatchers.
type Multi []Dispatcher

// Dispatch implements Dispatcher.
func (m Multi) Dispatch(ctx context.Context, eventType string, fields map[string]string) {
	for _, d := range m {
		d.Dispatch(ctx, eventType, fields)
	}
}
