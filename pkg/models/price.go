package models

import "strings"

// PriceUpdate represents a single market tick for a crypto symbol
type PriceUpdate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`        // unix milli
	Source    string  `json:"source,omitempty"` // which feed produced it
	SeqID     int64   `json:"seq_id,omitempty"` // monotonic counter per symbol, if the feed carries one
}

// NormalizeSymbol canonicalizes user-supplied symbols so that "btcusd",
// " BTCUSD " and "BTCUSD" all key the same feed.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
