package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/sales"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10

	newSaleAlert = "new_sale_alert"
)

type liveMessage struct {
	Event string                    `json:"event"`
	Data  domain.SaleCompletedEvent `json:"data"`
}

// handleLive joins the dashboard topic for the lifetime of the websocket.
// Clients only listen; anything they send other than control frames is
// discarded.
func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("[live] websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := a.hub.Subscribe(a.topic)
	defer sub.Close()

	actor, _ := sales.ActorFromContext(r.Context())
	entry := log.WithFields(log.Fields{"topic": a.topic, "user": actor.Username})
	entry.Info("[live] dashboard session joined")
	defer entry.Info("[live] dashboard session left")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(liveWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(liveMessage{Event: newSaleAlert, Data: event}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
