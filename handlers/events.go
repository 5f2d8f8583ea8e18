package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"meshprice/models"
	"meshprice/services"
)

const (
	eventWriteWait  = 5 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = 50 * time.Second
)

// EventHandlers streams price changes and network status to local
// websocket clients.
type EventHandlers struct {
	mesh     *services.MeshPriceService
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewEventHandlers(mesh *services.MeshPriceService, checkOrigin func(*http.Request) bool, logger *zap.Logger) *EventHandlers {
	return &EventHandlers{
		mesh: mesh,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// StreamEvents upgrades to a websocket. The first frame is the current
// network status; after that every price change and status change is pushed.
// A client too slow to keep up misses events rather than stalling the mesh.
func (eh *EventHandlers) StreamEvents(c echo.Context) error {
	conn, err := eh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	events, unsubscribe := eh.mesh.Subscribe(0)
	defer unsubscribe()

	// reader: only pongs and close frames are expected
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	status := eh.mesh.GetNetworkStatus()
	if err := eh.write(conn, models.Event{Type: models.EventNetworkStatus, At: time.Now().UTC(), Status: &status}); err != nil {
		return nil
	}

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := eh.write(conn, ev); err != nil {
				eh.logger.Debug("event client write failed", zap.Error(err))
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-done:
			return nil
		}
	}
}

func (eh *EventHandlers) write(conn *websocket.Conn, ev models.Event) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	return conn.WriteJSON(ev)
}
