package oracle

import (
	"context"
	"errors"
)

// ErrQuoteUnavailable is returned when no quote can be produced for a
// symbol from any source.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Quote represents the current market quote for one symbol. Quotes are
// best-effort input: consumers must tolerate staleness and per-symbol
// failures.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
	Currency      string  `json:"currency"`
	Timestamp     int64   `json:"timestamp"`
}

// Provider supplies the freshest available quote for a symbol
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}

// QuoteSubscriber receives streaming quote updates from a feed
type QuoteSubscriber interface {
	OnQuote(quote Quote)
}
