package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/pkg/models"
)

// Compile-time check to ensure WSSource implements Source
var _ Source = (*WSSource)(nil)

// WSSource multiplexes symbols over a single upstream exchange websocket
// (Finnhub-style framing: subscribe/unsubscribe control messages, trade
// messages carrying batches of ticks).
type WSSource struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu      sync.Mutex // guards writes to conn and the handle map
	handles map[string]*wsHandle
}

type wsControlMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type wsTradeMessage struct {
	Type string `json:"type"`
	Data []struct {
		Symbol    string  `json:"s"`
		Price     float64 `json:"p"`
		Timestamp int64   `json:"t"` // unix milli
	} `json:"data"`
}

// NewWSSource dials the upstream feed and starts the shared read loop.
func NewWSSource(url, apiKey string, logger *zap.Logger) (*WSSource, error) {
	if apiKey != "" {
		url = fmt.Sprintf("%s?token=%s", url, apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing upstream feed: %v (response: %+v)", ErrSourceUnavailable, err, resp)
	}
	logger.Info("Connected to upstream feed websocket", zap.String("url", url))

	s := &WSSource{
		conn:    conn,
		logger:  logger,
		handles: make(map[string]*wsHandle),
	}
	go s.readLoop()
	return s, nil
}

func (s *WSSource) Name() string { return "websocket" }

func (s *WSSource) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Error("Upstream feed read error, stream closed", zap.Error(err))
			return
		}

		var msg wsTradeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("Dropping malformed upstream message", zap.Error(err))
			continue
		}
		if msg.Type != "trade" {
			continue
		}

		for _, t := range msg.Data {
			symbol := models.NormalizeSymbol(t.Symbol)
			s.mu.Lock()
			h := s.handles[symbol]
			s.mu.Unlock()
			if h != nil {
				h.deliver(t.Price, t.Timestamp)
			}
		}
	}
}

func (s *WSSource) Open(ctx context.Context, symbol string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handles[symbol]; exists {
		return nil, fmt.Errorf("%w: %s already open", ErrSourceUnavailable, symbol)
	}

	msg, _ := json.Marshal(wsControlMessage{Type: "subscribe", Symbol: symbol})
	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return nil, fmt.Errorf("%w: subscribing %s upstream: %v", ErrSourceUnavailable, symbol, err)
	}

	h := &wsHandle{src: s, symbol: symbol}
	s.handles[symbol] = h
	return h, nil
}

func (s *WSSource) Close() error { return s.conn.Close() }

type wsHandle struct {
	src    *WSSource
	symbol string

	mu sync.Mutex
	fn func(price float64, timestamp int64)
}

func (h *wsHandle) OnUpdate(fn func(price float64, timestamp int64)) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *wsHandle) deliver(price float64, ts int64) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn(price, ts)
	}
}

func (h *wsHandle) Close() error {
	h.src.mu.Lock()
	defer h.src.mu.Unlock()

	delete(h.src.handles, h.symbol)
	msg, _ := json.Marshal(wsControlMessage{Type: "unsubscribe", Symbol: h.symbol})
	return h.src.conn.WriteMessage(websocket.TextMessage, msg)
}
