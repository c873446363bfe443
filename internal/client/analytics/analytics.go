// Package analytics holds fire-and-forget event sinks.
package analytics

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/logging"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Event names emitted by the session manager.
const (
	EventSignInSuccess  = "auth_sign_in_success"
	EventSignInFailure  = "auth_sign_in_failure"
	EventSignUp         = "auth_sign_up"
	EventSignOut        = "auth_sign_out"
	EventAccountSwitch  = "account_switch"
	EventAccountRemoved = "account_removed"
)

// Sink receives analytics events. Track must not block and never fails.
type Sink interface {
	Track(ctx context.Context, name string, props map[string]any)
}

type Nop struct{}

func (Nop) Track(context.Context, string, map[string]any) {}

// LogSink writes every event as a structured log line tagged with a ULID.
type LogSink struct {
	log logging.Logger
	now func() time.Time
}

func NewLogSink(log logging.Logger) *LogSink {
	return &LogSink{log: log, now: time.Now}
}

func (s *LogSink) Track(ctx context.Context, name string, props map[string]any) {
	id := ulid.MustNew(ulid.Timestamp(s.now()), rand.Reader)
	args := make([]any, 0, 4+2*len(props))
	args = append(args, "event", name, "event_id", id.String())
	for k, v := range props {
		args = append(args, k, v)
	}
	s.log.Info(ctx, "analytics", args...)
}

// PrometheusSink counts events per name.
type PrometheusSink struct {
	events *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gophmarket",
		Subsystem: "client",
		Name:      "events_total",
		Help:      "Analytics events emitted by the client, by name.",
	}, []string{"event"})
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusSink{events: events}, nil
}

func (s *PrometheusSink) Track(_ context.Context, name string, _ map[string]any) {
	s.events.WithLabelValues(name).Inc()
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Track(ctx context.Context, name string, props map[string]any) {
	for _, s := range m {
		s.Track(ctx, name, props)
	}
}
