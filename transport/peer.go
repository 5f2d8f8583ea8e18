package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshprice/services"
)

var errPeerClosed = errors.New("peer connection closed")

var _ services.Peer = (*peerConn)(nil)

// peerConn is one websocket link to another mesh node. Frames queued with
// Send are written by writePump; readPump feeds inbound frames to the hub's
// handler. Both pumps own the connection and close it on exit.
type peerConn struct {
	id       string
	address  string
	version  string
	outbound bool

	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	limiter *rate.Limiter
	logger  *zap.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

func (p *peerConn) ID() string { return p.id }

// Send queues data for the writer. It fails when the queue stays full until
// ctx is done or the connection is gone.
func (p *peerConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return errPeerClosed
	default:
	}

	select {
	case p.send <- data:
		return nil
	case <-p.closed:
		return errPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

func (p *peerConn) start() {
	go p.writePump()
	go p.readPump()
}

func (p *peerConn) readPump() {
	defer func() {
		p.close()
		p.conn.Close()
		p.hub.unregister(p)
	}()

	p.conn.SetReadLimit(p.hub.opts.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(p.hub.opts.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.hub.opts.PongWait))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug("peer read failed", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !p.limiter.Allow() {
			p.logger.Warn("peer exceeded inbound rate, dropping frame")
			continue
		}

		handler := p.hub.currentHandler()
		if handler == nil {
			continue
		}
		if err := handler.HandleMessage(context.Background(), p.id, data); err != nil {
			p.logger.Debug("frame rejected", zap.Error(err))
		}
	}
}

func (p *peerConn) writePump() {
	ticker := time.NewTicker(p.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.hub.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.logger.Debug("peer write failed", zap.Error(err))
				p.close()
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(p.hub.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}

		case <-p.closed:
			p.conn.SetWriteDeadline(time.Now().Add(p.hub.opts.WriteWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
