package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/emotionchain/emotionchain/communication"
	"github.com/emotionchain/emotionchain/core"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// HandleWebSocket streams consensus lifecycle events to the client. Events
// are forwarded verbatim from the internal bus; a slow client only loses its
// own messages.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	if core.NatsBrokerInstance == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not running"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	writes := make(chan []byte, 64)
	sub, err := core.NatsBrokerInstance.Subscribe(communication.EventSubjectPrefix+">", func(msg *nats.Msg) {
		select {
		case writes <- msg.Data:
		default:
			// Client is not keeping up; drop rather than block the bus.
		}
	})
	if err != nil {
		log.Printf("Failed to subscribe to event bus: %v", err)
		return
	}
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data := <-writes:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Error writing to websocket: %v", err)
				return
			}
		case <-done:
			return
		}
	}
}
