// Package notify converts slot transitions into structured events and fans
// them out to registered sinks.
//
// Delivery is best-effort and fire-and-forget relative to the slot state
// machine: a sink's failure is caught, logged, and counted, and never blocks
// another sink or surfaces to the supervisor.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/validlab/slotd/internal/metrics"
)

// EventType names the slot transition that produced an event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStopped   EventType = "stopped"
)

// Event is the structured payload handed to every sink. One event is
// produced per start or terminal transition.
type Event struct {
	Type       EventType `json:"type"`
	SlotID     int       `json:"slot_id"`
	Owner      string    `json:"owner"`
	TestCase   string    `json:"test_case"`
	SSDSerial  string    `json:"ssd_serial,omitempty"`
	Progress   int       `json:"progress"`
	ErrorMsg   string    `json:"error_msg,omitempty"`
	Duration   string    `json:"duration,omitempty"`
	DetailsURL string    `json:"details_url,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink is an external channel capable of receiving events. Delivery
// semantics (transport, retries) are the sink's own concern.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher offers each event to every registered sink exactly once.
type Dispatcher struct {
	log     *zap.Logger
	sinks   []Sink
	timeout time.Duration
}

// NewDispatcher creates a dispatcher over the given sinks. timeout bounds a
// single sink delivery; zero means 10 seconds.
func NewDispatcher(log *zap.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{log: log, sinks: sinks, timeout: timeout}
}

// Sinks returns the number of registered sinks.
func (d *Dispatcher) Sinks() int {
	return len(d.sinks)
}

// Dispatch offers ev to every sink in registration order. Each sink gets
// exactly one attempt; failures and panics are contained here.
func (d *Dispatcher) Dispatch(ev Event) {
	for _, s := range d.sinks {
		d.deliverOne(s, ev)
	}
}

func (d *Dispatcher) deliverOne(s Sink, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordNotificationFailure(s.Name())
			d.log.Error("Notification sink panicked",
				zap.String("sink", s.Name()),
				zap.String("type", string(ev.Type)),
				zap.Int("slot", ev.SlotID),
				zap.Any("panic", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := s.Deliver(ctx, ev); err != nil {
		metrics.RecordNotificationFailure(s.Name())
		d.log.Warn("Notification delivery failed",
			zap.String("sink", s.Name()),
			zap.String("type", string(ev.Type)),
			zap.Int("slot", ev.SlotID),
			zap.Error(err))
		return
	}

	d.log.Debug("Notification delivered",
		zap.String("sink", s.Name()),
		zap.String("type", string(ev.Type)),
		zap.Int("slot", ev.SlotID))
}

// FormatDuration renders an elapsed time the way owners read it in
// notifications: "2h 5m 13s", "4m 2s", "45s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
