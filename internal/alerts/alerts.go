package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/events"
)

// Severity grades an alert for transports that render it.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one rendered notification.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Sender delivers a rendered alert over one transport.
type Sender interface {
	Send(ctx context.Context, alert Alert) error
}

// severityFor maps event kinds to alert severities. Kinds not listed
// are not alerted at all; the event log already has them.
func severityFor(kind events.Kind) (Severity, bool) {
	switch kind {
	case events.KindFatalError, events.KindTokenRenewalFailed:
		return SeverityCritical, true
	case events.KindProviderFailover, events.KindOrderRejected, events.KindPositionAdopted:
		return SeverityWarning, true
	case events.KindPositionOpened, events.KindPositionClosed, events.KindPartialExit,
		events.KindEndOfDaySummary, events.KindTokenRotated:
		return SeverityInfo, true
	}
	return "", false
}

// titleFor renders the human headline for an event.
func titleFor(e events.Event) string {
	switch e.Kind {
	case events.KindFatalError:
		return "Fatal error"
	case events.KindTokenRenewalFailed:
		return "Broker session renewal failed"
	case events.KindTokenRotated:
		return "Broker tokens rotated"
	case events.KindProviderFailover:
		return "Market data provider failover"
	case events.KindOrderRejected:
		return fmt.Sprintf("Order rejected: %s", e.Symbol)
	case events.KindPositionOpened:
		return fmt.Sprintf("Opened %s", e.Symbol)
	case events.KindPositionClosed:
		return fmt.Sprintf("Closed %s", e.Symbol)
	case events.KindPartialExit:
		return fmt.Sprintf("Partial exit %s", e.Symbol)
	case events.KindPositionAdopted:
		return fmt.Sprintf("Adopted %s from broker", e.Symbol)
	case events.KindEndOfDaySummary:
		return "End of day"
	}
	return string(e.Kind)
}

// Render turns an event into an alert, or reports that the kind is not
// alert-worthy.
func Render(e events.Event) (Alert, bool) {
	sev, ok := severityFor(e.Kind)
	if !ok {
		return Alert{}, false
	}
	return Alert{
		Title:     titleFor(e),
		Message:   e.Reason,
		Severity:  sev,
		Timestamp: e.Timestamp,
		Fields:    e.Payload,
	}, true
}

// Notifier subscribes to the event bus and forwards alert-worthy events
// to its senders. Bus handlers must not block, so Handle only enqueues;
// Run drains the queue and talks to the transports.
type Notifier struct {
	senders []Sender
	queue   chan events.Event
	logger  zerolog.Logger
}

// NewNotifier creates a notifier over the given transports.
func NewNotifier(senders ...Sender) *Notifier {
	return &Notifier{
		senders: senders,
		queue:   make(chan events.Event, 256),
		logger:  config.NewLogger("alerts"),
	}
}

// Handle is the bus subscription point. A full queue drops the event
// rather than stalling the trading loop.
func (n *Notifier) Handle(e events.Event) {
	if _, ok := severityFor(e.Kind); !ok {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.logger.Warn().Str("kind", string(e.Kind)).Msg("alert queue full, event dropped")
	}
}

// Run drains the queue until the context ends.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-n.queue:
			n.dispatch(ctx, e)
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, e events.Event) {
	alert, ok := Render(e)
	if !ok {
		return
	}
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.Error().Err(err).Str("title", alert.Title).Msg("alert delivery failed")
		}
	}
}
