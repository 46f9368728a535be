package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/registry"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/session"
	"github.com/ireish/crypto-price-tracker/pkg/models"
)

// Server frames the subscription core into HTTP + websocket endpoints:
//
//	/ws             bidirectional session (in-band subscribe/unsubscribe)
//	/watch          watch-only stream of every active symbol
//	/api/subscribe  explicit refcount acquire (watch-stream control plane)
//	/api/unsubscribe  explicit refcount release
//	/api/symbols    currently active symbols
//	/api/price      cached last value for one symbol
type Server struct {
	reg          *registry.Registry
	logger       *zap.Logger
	validTickers map[string]bool
	pollInterval time.Duration

	nextSession atomic.Int64
}

func NewServer(reg *registry.Registry, logger *zap.Logger, validTickers map[string]bool, pollInterval time.Duration) *Server {
	return &Server{
		reg:          reg,
		logger:       logger,
		validTickers: validTickers,
		pollInterval: pollInterval,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/watch", s.handleWatch)
	mux.HandleFunc("/api/subscribe", s.handleSubscribe)
	mux.HandleFunc("/api/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/api/symbols", s.handleSymbols)
	mux.HandleFunc("/api/price", s.handlePrice)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}

	id := fmt.Sprintf("%s#%d", conn.RemoteAddr(), s.nextSession.Add(1))
	sess := session.New(id, s.reg, s.logger)
	client := NewClient(conn, sess, s.logger, s.validTickers)
	client.Start()
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}

	watcher := session.NewWatcher(s.reg, s.pollInterval, s.logger)
	newWatchClient(conn, watcher, s.logger).Start()
}

type symbolsRequest struct {
	Symbols []string `json:"symbols"`
}

type symbolsResponse struct {
	Accepted []string          `json:"accepted,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// handleSubscribe acquires each symbol independently; one unavailable source
// fails only its own symbol.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	symbols, ok := s.decodeSymbols(w, r)
	if !ok {
		return
	}

	resp := symbolsResponse{Failed: make(map[string]string)}
	for _, raw := range symbols {
		sym := models.NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if !s.validTickers[sym] {
			resp.Failed[sym] = "unknown symbol"
			continue
		}
		if err := s.reg.Acquire(r.Context(), sym); err != nil {
			resp.Failed[sym] = err.Error()
			continue
		}
		resp.Accepted = append(resp.Accepted, sym)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	symbols, ok := s.decodeSymbols(w, r)
	if !ok {
		return
	}

	resp := symbolsResponse{}
	for _, raw := range symbols {
		sym := models.NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		s.reg.Release(sym)
		resp.Accepted = append(resp.Accepted, sym)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"symbols": s.reg.ActiveSymbols()})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	sym := models.NormalizeSymbol(r.URL.Query().Get("symbol"))
	if sym == "" {
		http.Error(w, "symbol query parameter required", http.StatusBadRequest)
		return
	}
	u, ok := s.reg.LastValue(sym)
	if !ok {
		http.Error(w, "no cached price", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, u)
}

func (s *Server) decodeSymbols(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req symbolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return nil, false
	}
	if len(req.Symbols) == 0 {
		http.Error(w, "symbols required", http.StatusBadRequest)
		return nil, false
	}
	return req.Symbols, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}
