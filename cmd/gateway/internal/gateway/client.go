package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/protocol"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/session"
)

const (
	maxMessageSize = 512 * 1024
)

// ClientAdapter drives one bidirectional websocket session: in-band
// subscribe/unsubscribe actions from the client, price updates streamed back
// on the same connection.
type ClientAdapter struct {
	conn         net.Conn
	sess         *session.Session
	send         chan []byte
	logger       *zap.Logger
	validTickers map[string]bool

	ctx        context.Context
	cancel     context.CancelFunc
	streamDone chan struct{}

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn net.Conn, sess *session.Session, logger *zap.Logger, validTickers map[string]bool) *ClientAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientAdapter{
		conn:         conn,
		sess:         sess,
		send:         make(chan []byte, 256),
		logger:       logger,
		validTickers: validTickers,
		ctx:          ctx,
		cancel:       cancel,
		streamDone:   make(chan struct{}),
		writeWait:    5 * time.Second,
		pongWait:     60 * time.Second,
		pingPeriod:   50 * time.Second,
	}
}

func (c *ClientAdapter) Start() {
	go c.writePump()
	go c.streamPump()
	go c.readPump()
}

func (c *ClientAdapter) sendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err == nil {
		c.sendBytes(b)
	}
}

func (c *ClientAdapter) sendBytes(b []byte) {
	select {
	case c.send <- b:
	default:
		// Drop message if buffer full (Backpressure)
	}
}

// streamPump drains the session's pull stream onto the wire
func (c *ClientAdapter) streamPump() {
	defer close(c.streamDone)

	for {
		u, ok := c.sess.Next(c.ctx)
		if !ok {
			return
		}
		c.sendJSON(protocol.WSResponse{Type: "ticker", Data: &u})
	}
}

func (c *ClientAdapter) readPump() {
	defer func() {
		// Teardown for any exit reason: stop accepting actions, release
		// everything the session held, then let writePump flush the close.
		c.cancel()
		c.sess.Close()
		<-c.streamDone
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			break
		}

		if header.Length > int64(maxMessageSize) {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			break
		}

		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			break
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			break
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		if header.OpCode == ws.OpClose {
			break
		}
		if header.OpCode == ws.OpPong {
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
			continue
		}

		if header.OpCode == ws.OpText {
			var req protocol.WSRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				c.sendJSON(protocol.WSResponse{Type: "error", Message: "Invalid JSON"})
				continue
			}

			for i, s := range req.Payload.Symbols {
				req.Payload.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
			}

			c.handleCommand(req)
		}
	}
}

func (c *ClientAdapter) handleCommand(req protocol.WSRequest) {
	switch req.Action {
	case protocol.ActionSubscribe:
		c.handleSubscribe(req)
	case protocol.ActionUnsubscribe:
		c.handleUnsubscribe(req)
	case protocol.ActionUnsubscribeAll:
		c.handleUnsubscribeAll(req)
	default:
		c.sendJSON(protocol.WSResponse{Type: "error", ID: req.ID, Message: "Unknown action: " + req.Action})
	}
}

// handleSubscribe subscribes each requested symbol independently: one bad
// symbol reports its own failure without affecting the rest.
func (c *ClientAdapter) handleSubscribe(req protocol.WSRequest) {
	var subscribed []string
	failed := make(map[string]string)

	for _, sym := range req.Payload.Symbols {
		if sym == "" {
			continue
		}
		if !c.validTickers[sym] {
			failed[sym] = "unknown symbol"
			continue
		}
		if err := c.sess.Subscribe(c.ctx, sym); err != nil {
			failed[sym] = err.Error()
			continue
		}
		subscribed = append(subscribed, sym)
	}

	if len(subscribed) == 0 && len(failed) == 0 {
		c.sendJSON(protocol.WSResponse{Type: "error", ID: req.ID, Message: "No symbols provided"})
		return
	}

	status := "success"
	if len(subscribed) == 0 {
		status = "error"
	}
	c.sendJSON(protocol.WSResponse{
		Type:    "ack",
		ID:      req.ID,
		Status:  status,
		Message: "Subscribed to " + strings.Join(subscribed, ","),
		Failed:  failed,
	})
}

func (c *ClientAdapter) handleUnsubscribe(req protocol.WSRequest) {
	var removed []string
	for _, sym := range req.Payload.Symbols {
		if c.sess.Unsubscribe(sym) {
			removed = append(removed, sym)
		}
	}

	if len(removed) > 0 {
		c.sendJSON(protocol.WSResponse{
			Type: "ack", ID: req.ID, Status: "success",
			Message: "Unsubscribed from " + strings.Join(removed, ","),
		})
	} else {
		c.sendJSON(protocol.WSResponse{
			Type: "error", ID: req.ID,
			Message: "Not subscribed to: " + strings.Join(req.Payload.Symbols, ","),
		})
	}
}

func (c *ClientAdapter) handleUnsubscribeAll(req protocol.WSRequest) {
	for _, sym := range c.sess.Symbols() {
		c.sess.Unsubscribe(sym)
	}
	c.sendJSON(protocol.WSResponse{Type: "ack", ID: req.ID, Status: "success", Message: "Unsubscribed from all symbols"})
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.Write(ws.CompiledClose)
				return
			}
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
