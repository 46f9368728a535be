package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/protocol"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/session"
)

// watchClient serves the watch-only stream: no in-band commands, just every
// active symbol's updates until the client hangs up.
type watchClient struct {
	conn    net.Conn
	watcher *session.Watcher
	logger  *zap.Logger

	writeWait time.Duration
}

func newWatchClient(conn net.Conn, watcher *session.Watcher, logger *zap.Logger) *watchClient {
	return &watchClient{
		conn:      conn,
		watcher:   watcher,
		logger:    logger,
		writeWait: 5 * time.Second,
	}
}

func (c *watchClient) Start() {
	ctx, cancel := context.WithCancel(context.Background())

	// The read side exists only to notice the client going away
	go func() {
		defer cancel()
		for {
			header, err := ws.ReadHeader(c.conn)
			if err != nil || header.OpCode == ws.OpClose {
				return
			}
			// Discard payloads of control/other frames
			if header.Length > 0 {
				if _, err := io.ReadFull(c.conn, make([]byte, header.Length)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer c.conn.Close()
		go c.watcher.Run(ctx)

		for {
			u, ok := c.watcher.Next(ctx)
			if !ok {
				return
			}
			b, err := json.Marshal(protocol.WSResponse{Type: "ticker", Data: &u})
			if err != nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerText(c.conn, b); err != nil {
				cancel()
				return
			}
		}
	}()
}
