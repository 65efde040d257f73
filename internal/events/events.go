package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of a structured event.
type Kind string

const (
	KindPhaseChanged       Kind = "phase_changed"
	KindScanTickCompleted  Kind = "scan_tick_completed"
	KindSignalAccepted     Kind = "signal_accepted"
	KindSignalRejected     Kind = "signal_rejected"
	KindOrderPlaced        Kind = "order_placed"
	KindOrderFilled        Kind = "order_filled"
	KindOrderRejected      Kind = "order_rejected"
	KindPositionOpened     Kind = "position_opened"
	KindPositionAdopted    Kind = "position_adopted"
	KindStopAdjusted       Kind = "stop_adjusted"
	KindPositionClosed     Kind = "position_closed"
	KindPartialExit        Kind = "partial_exit"
	KindTokenRotated       Kind = "token_rotated"
	KindTokenRenewed       Kind = "token_renewed"
	KindTokenRenewalFailed Kind = "token_renewal_failed"
	KindProviderFailover   Kind = "provider_failover"
	KindEndOfDaySummary    Kind = "end_of_day_summary"
	KindFatalError         Kind = "fatal_error"
)

// Event is the structured record the core emits. The core never formats
// alerts; transports subscribe and render.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Kind       Kind                   `json:"kind"`
	Timestamp  time.Time              `json:"timestamp"`
	Symbol     string                 `json:"symbol,omitempty"`
	PositionID string                 `json:"position_id,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// New constructs an event with ID and timestamp filled in.
func New(kind Kind) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{},
	}
}

// WithSymbol attaches a symbol to the event.
func (e Event) WithSymbol(symbol string) Event {
	e.Symbol = symbol
	return e
}

// WithPosition attaches a position ID to the event.
func (e Event) WithPosition(positionID string) Event {
	e.PositionID = positionID
	return e
}

// WithReason attaches a human-readable reason to the event.
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// With adds a payload field to the event.
func (e Event) With(key string, value interface{}) Event {
	if e.Payload == nil {
		e.Payload = map[string]interface{}{}
	}
	e.Payload[key] = value
	return e
}

// Publisher is the outbound side of the event sink.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher discards all events. Used when no sink is configured.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(Event) {}
