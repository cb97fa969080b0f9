package communication

import (
	"log"
	"time"

	"github.com/emotionchain/emotionchain/core"
)

// Lifecycle event types published on the internal bus. Consumers (API layer,
// metrics exporters, UIs) subscribe fire-and-forget; there is no backpressure.
const (
	EventEpochCompleted       = "EPOCH_COMPLETED"
	EventEpochFailed          = "EPOCH_FAILED"
	EventStateUpdated         = "STATE_UPDATED"
	EventValidatorRegistered  = "VALIDATOR_REGISTERED"
	EventValidatorRemoved     = "VALIDATOR_REMOVED"
	EventByzantineDetected    = "BYZANTINE_DETECTED"
	EventValidatorQuarantined = "VALIDATOR_QUARANTINED"
	EventValidatorReleased    = "VALIDATOR_RELEASED"
	EventRoundCompleted       = "ROUND_COMPLETED"
	EventRoundFailed          = "ROUND_FAILED"
	EventRoundAborted         = "ROUND_ABORTED"
	EventEarlyConsensus       = "EARLY_CONSENSUS"
)

// EventSubjectPrefix namespaces lifecycle events on the NATS bus.
const EventSubjectPrefix = "events."

// Event is the envelope published for every lifecycle event.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// BroadcastEvent publishes a lifecycle event to all listeners. Failures are
// logged and swallowed; an unreachable listener must never stall consensus.
func BroadcastEvent(eventType string, payload interface{}) {
	if core.NatsBrokerInstance == nil {
		return
	}

	data := core.EncodeJSON(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if data == nil {
		return
	}

	if err := core.NatsBrokerInstance.Publish(EventSubjectPrefix+eventType, data); err != nil {
		log.Printf("Failed to broadcast %s event: %v", eventType, err)
	}
}
