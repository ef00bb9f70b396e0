// Package audit publishes federation lifecycle events to Kafka so
// fleet tooling can observe federation formation.
package audit

import "time"

// EventType enumerates federation lifecycle events.
type EventType string

const (
	EventFederateConnected EventType = "federate_connected"
	EventProposalReceived  EventType = "proposal_received"
	EventFederateDropped   EventType = "federate_dropped"
	EventSynchronized      EventType = "federation_synchronized"
	EventReplyFailed       EventType = "reply_failed"
	EventAborted           EventType = "federation_aborted"
)

// Event is one lifecycle record. Instant carries the proposed or
// agreed logical time for the event types that have one.
type Event struct {
	Type         EventType `cbor:"type"`
	FederationID string    `cbor:"federation_id"`
	Federate     int       `cbor:"federate"`
	Instant      int64     `cbor:"instant,omitempty"`
	OccurredAt   time.Time `cbor:"occurred_at"`
}
