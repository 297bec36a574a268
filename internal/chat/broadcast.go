package chat

import (
	"log"

	"github.com/wejdan/chat-app/internal/metrics"
	"github.com/wejdan/chat-app/internal/protocol"
)

// Broadcaster fans typed events out to live sessions. Delivery is best-effort:
// a send failure to one recipient is logged and counted but never aborts
// delivery to the others. Events broadcast by a single caller goroutine reach
// each recipient in broadcast order because every session transport serializes
// its writes; no cross-caller ordering is guaranteed.
type Broadcaster struct {
	registry *Registry
}

// NewBroadcaster creates a Broadcaster reading from the given registry.
func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// BroadcastAll sends the event to every live session, including the sender's.
// The payload is marshalled once with a server-assigned timestamp.
func (b *Broadcaster) BroadcastAll(msgType string, payload interface{}) error {
	return b.broadcast(msgType, payload, "")
}

// BroadcastExcept sends the event to every live session except the one
// identified by excludedSessionID. Used for typing indicators and join
// notifications where the sender must not see its own echo.
func (b *Broadcaster) BroadcastExcept(msgType string, payload interface{}, excludedSessionID string) error {
	return b.broadcast(msgType, payload, excludedSessionID)
}

func (b *Broadcaster) broadcast(msgType string, payload interface{}, excludedSessionID string) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}

	for _, s := range b.registry.All() {
		if s.ID == excludedSessionID {
			continue
		}
		if err := s.Send(data); err != nil {
			// Partial-failure isolation: the dead transport is cleaned up by
			// the event loop or heartbeat, not here.
			log.Printf("chat: broadcast %s to session=%s failed: %v", msgType, s.ID, err)
			metrics.BroadcastErrors.Inc()
		}
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()
	return nil
}
