package oracle

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuoteService implements Provider on top of the streaming feed. Updates
// land in an in-memory map and a redis hash; reads check memory first,
// then redis, then fall back to a REST fetch. Stale entries are treated
// as missing.
type QuoteService struct {
	redis     *redis.Client
	feed      *Feed
	staleness time.Duration

	quotes    map[string]Quote
	quotesMux sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQuoteService creates a new QuoteService. The redis client may be nil,
// in which case only the in-memory cache and REST fallback are used.
func NewQuoteService(redisClient *redis.Client, feed *Feed, stalenessMillis int64) *QuoteService {
	return &QuoteService{
		redis:     redisClient,
		feed:      feed,
		staleness: time.Duration(stalenessMillis) * time.Millisecond,
		quotes:    make(map[string]Quote),
	}
}

// Start connects the feed and subscribes to the given symbols
func (s *QuoteService) Start(ctx context.Context, symbols []string) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.feed.SetSubscriber(s)

	if err := s.feed.Connect(s.ctx); err != nil {
		return err
	}

	if len(symbols) > 0 {
		if err := s.feed.Subscribe(symbols); err != nil {
			log.Printf("[QuoteService] Failed to subscribe: %v", err)
		}
	}

	log.Printf("[QuoteService] Started, %d symbols subscribed", len(symbols))
	return nil
}

// OnQuote implements QuoteSubscriber
func (s *QuoteService) OnQuote(quote Quote) {
	s.quotesMux.Lock()
	s.quotes[quote.Symbol] = quote
	s.quotesMux.Unlock()

	if s.redis == nil {
		return
	}

	key := fmt.Sprintf("quote:%s", quote.Symbol)
	s.redis.HSet(s.ctx, key, map[string]interface{}{
		"price":          quote.Price,
		"change_percent": quote.ChangePercent,
		"currency":       quote.Currency,
		"timestamp":      quote.Timestamp,
	})
	s.redis.Expire(s.ctx, key, s.staleness)
}

// GetQuote returns the freshest available quote for a symbol
func (s *QuoteService) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = strings.ToUpper(symbol)

	// Memory cache first
	s.quotesMux.RLock()
	quote, ok := s.quotes[symbol]
	s.quotesMux.RUnlock()
	if ok && time.Now().UnixMilli()-quote.Timestamp < s.staleness.Milliseconds() {
		return &quote, nil
	}

	// Then redis
	if s.redis != nil {
		key := fmt.Sprintf("quote:%s", symbol)
		fields, err := s.redis.HGetAll(ctx, key).Result()
		if err == nil && len(fields) > 0 {
			if q, err := quoteFromRedis(symbol, fields); err == nil {
				return q, nil
			}
		}
	}

	// REST fallback
	fetched, err := s.feed.FetchQuote(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, symbol)
	}

	s.quotesMux.Lock()
	s.quotes[symbol] = *fetched
	s.quotesMux.Unlock()

	return fetched, nil
}

// IsConnected reports feed connectivity, for health checks
func (s *QuoteService) IsConnected() bool {
	return s.feed.IsConnected()
}

// Stop stops the service and closes the feed
func (s *QuoteService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.feed.Close(); err != nil {
		log.Printf("[QuoteService] Error closing feed: %v", err)
	}
	log.Printf("[QuoteService] Stopped")
}

func quoteFromRedis(symbol string, fields map[string]string) (*Quote, error) {
	var quote Quote
	quote.Symbol = symbol
	quote.Currency = fields["currency"]

	if _, err := fmt.Sscanf(fields["price"], "%f", &quote.Price); err != nil {
		return nil, err
	}
	if v, ok := fields["change_percent"]; ok {
		fmt.Sscanf(v, "%f", &quote.ChangePercent)
	}
	if v, ok := fields["timestamp"]; ok {
		fmt.Sscanf(v, "%d", &quote.Timestamp)
	}

	return &quote, nil
}
