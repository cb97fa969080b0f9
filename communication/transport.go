package communication

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/emotionchain/emotionchain/core"
)

// ValidatorSubject returns the NATS subject a validator listens on for
// direct consensus messages.
func ValidatorSubject(id string) string {
	return "consensus.validator." + id
}

// Transport delivers consensus messages to validators. Implementations must
// tolerate partial delivery failure: a dead recipient fails its own send and
// nothing else.
type Transport interface {
	// SendToValidator delivers a message to a single validator.
	SendToValidator(id string, msg core.ConsensusMessage) error
	// BroadcastToCommittee delivers a message to every member concurrently
	// and returns the per-member outcome (nil error for delivered).
	BroadcastToCommittee(members []string, msg core.ConsensusMessage) map[string]error
}

// NatsTransport sends consensus messages over a NATS connection.
type NatsTransport struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNatsTransport wraps a NATS connection as a consensus transport.
func NewNatsTransport(conn *nats.Conn) *NatsTransport {
	return &NatsTransport{conn: conn, timeout: 2 * time.Second}
}

// SendToValidator publishes a message on the validator's direct subject.
func (t *NatsTransport) SendToValidator(id string, msg core.ConsensusMessage) error {
	data := core.EncodeJSON(msg)
	if data == nil {
		return fmt.Errorf("failed to encode %s message for %s", msg.Kind, id)
	}
	if err := t.conn.Publish(ValidatorSubject(id), data); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind, id, err)
	}
	return nil
}

// BroadcastToCommittee fans the message out to all members concurrently. Each
// member gets its own outcome; one failed send never blocks the others.
func (t *NatsTransport) BroadcastToCommittee(members []string, msg core.ConsensusMessage) map[string]error {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make(map[string]error, len(members))
	)

	for _, id := range members {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := t.SendToValidator(id, msg)
			mu.Lock()
			outcomes[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return outcomes
}

// SubscribeValidator registers a handler for direct consensus messages
// addressed to the given validator.
func (t *NatsTransport) SubscribeValidator(id string, handler func(core.ConsensusMessage)) (*nats.Subscription, error) {
	return t.conn.Subscribe(ValidatorSubject(id), func(m *nats.Msg) {
		var msg core.ConsensusMessage
		if err := core.DecodeJSON(m.Data, &msg); err != nil {
			return
		}
		handler(msg)
	})
}
