package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"inventory-core/internal/egress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS middleware on the router.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEventStream upgrades to WebSocket and relays every outbound change
// event to the client. A slow client drops events rather than stalling the
// engines; consumers needing completeness read the bus, not this stream.
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan egress.Envelope, 256)
	removeTap := h.core.Publisher().AddTap(func(env egress.Envelope) {
		select {
		case events <- env:
		default:
			// Client too slow; drop.
		}
	})
	defer removeTap()

	// Discard inbound frames, surface disconnects.
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
		case <-r.Context().Done():
			return
		case <-done:
			return
		case env := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}
