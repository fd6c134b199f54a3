// Package notify delivers alert messages to subscribers over Telegram,
// NATS, signed webhooks or the process log. All sinks implement tracking.Notifier.
// The websocket stream in package realtime plugs into the same Fanout.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoSinks is returned by a Fanout with nothing to deliver to.
var ErrNoSinks = errors.New("no notification sinks configured")

// ErrNoRecipient is wrapped by sinks that had nobody to deliver to for a
// subscriber. Fanout counts it as a skip rather than a failure.
var ErrNoRecipient = errors.New("no recipient for subscriber")

// Notifier delivers one message to one subscriber.
type Notifier interface {
	Notify(ctx context.Context, subscriberExternalID, message string) error
}

var deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "amlbot",
	Subsystem: "notify",
	Name:      "deliveries_total",
	Help:      "Notification attempts by sink and result.",
}, []string{"sink", "result"})

func init() {
	prometheus.MustRegister(deliveries)
}

type namedSink struct {
	name string
	sink Notifier
}

// Fanout sends every message to all of its sinks. Delivery succeeds when at
// least one sink accepts the message.
type Fanout struct {
	sinks  []namedSink
	logger *slog.Logger
}

// NewFanout creates an empty fanout. Add sinks with Add.
func NewFanout(logger *slog.Logger) *Fanout {
	return &Fanout{logger: logger}
}

// Add registers a sink under name. Not safe to call concurrently with Notify.
func (f *Fanout) Add(name string, sink Notifier) *Fanout {
	f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Notify(ctx context.Context, subscriberExternalID, message string) error {
	if len(f.sinks) == 0 {
		return ErrNoSinks
	}

	var errs []error
	delivered := false
	for _, s := range f.sinks {
		if err := s.sink.Notify(ctx, subscriberExternalID, message); err != nil {
			errs = append(errs, err)
			if errors.Is(err, ErrNoRecipient) {
				deliveries.WithLabelValues(s.name, "skipped").Inc()
				continue
			}
			deliveries.WithLabelValues(s.name, "error").Inc()
			f.logger.Warn("notification sink failed",
				"sink", s.name, "subscriber", subscriberExternalID, "error", err)
			continue
		}
		deliveries.WithLabelValues(s.name, "ok").Inc()
		delivered = true
	}
	if delivered {
		return nil
	}
	return errors.Join(errs...)
}

// Log writes notifications to the process log. It is the development sink
// when no transport is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, subscriberExternalID, message string) error {
	l.logger.Info("notification", "subscriber", subscriberExternalID, "message", message)
	return nil
}
