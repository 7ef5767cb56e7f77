package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"options-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedTopics are fanned out to every websocket client.
var streamedTopics = []events.Topic{
	events.TopicAdviceCreated,
	events.TopicAdviceExecuted,
	events.TopicAdviceDismissed,
	events.TopicEngineState,
	events.TopicRiskAlert,
	events.TopicRestrikeExit,
	events.TopicStopLoss,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	// Envelopes already carry topic and timestamp, so the merge goroutines
	// forward them as-is and the wire format is the bus format.
	merged := make(chan events.Envelope, 256)
	done := make(chan struct{})
	defer close(done)

	for _, topic := range streamedTopics {
		stream, unsub := s.Bus.Subscribe(topic, 64)
		defer unsub()
		go func(ch <-chan events.Envelope) {
			for env := range ch {
				select {
				case merged <- env:
				case <-done:
					return
				}
			}
		}(stream)
	}

	// Pings detect dead clients even when no events flow.
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case env := <-merged:
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
