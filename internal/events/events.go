// Package events publishes audit and alert events. Delivery is
// fire-and-forget so the request path never blocks on the sink.
package events

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oto-proxy/oto/internal/logging"
)

// EventType classifies an event.
type EventType string

const (
	AccessDenied     EventType = "AccessDenied"
	GatewayCall      EventType = "GatewayCall"
	GatewayError     EventType = "GatewayError"
	CircuitRetry     EventType = "CircuitRetry"
	SessionCreated   EventType = "SessionCreated"
	SessionDestroyed EventType = "SessionDestroyed"
)

// Event is one audit record.
type Event struct {
	ID        string
	At        time.Time
	Type      EventType
	ServiceID string
	Host      string
	Path      string
	Method    string
	Status    int
	Reason    string
	Duration  time.Duration
	Overhead  time.Duration
	DataIn    int64
	DataOut   int64
}

// Sink receives events.
type Sink interface {
	Publish(Event)
}

// LogSink writes every event to the audit logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates the default sink.
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.Named("audit")}
}

func (s *LogSink) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	fields := []zap.Field{
		zap.String("eventId", e.ID),
		zap.Time("at", e.At),
		zap.String("type", string(e.Type)),
		zap.String("service", e.ServiceID),
		zap.String("host", e.Host),
		zap.String("method", e.Method),
		zap.String("path", e.Path),
		zap.Int("status", e.Status),
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Duration > 0 {
		fields = append(fields,
			zap.Duration("duration", e.Duration),
			zap.Duration("overhead", e.Overhead),
			zap.Int64("dataIn", e.DataIn),
			zap.Int64("dataOut", e.DataOut),
		)
	}
	s.logger.Info("Gateway event", fields...)
}

// NopSink drops everything. Used in tests.
type NopSink struct{}

func (NopSink) Publish(Event) {}
