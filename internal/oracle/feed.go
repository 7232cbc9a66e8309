package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval         = 30 * time.Second
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	restTimeout          = 5 * time.Second
)

// Feed is a WebSocket client for the market-data stream. It pushes quote
// updates to a subscriber and exposes a REST fallback for symbols the
// stream has not delivered yet.
type Feed struct {
	wsURL       string
	restURL     string
	httpClient  *http.Client
	conn        *websocket.Conn
	connMux     sync.RWMutex
	isConnected bool

	subscriber QuoteSubscriber
	subMux     sync.RWMutex

	subscribed    map[string]bool
	subscribedMux sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectAttempts int
}

// NewFeed creates a new quote feed client
func NewFeed(wsURL, restURL string) *Feed {
	return &Feed{
		wsURL:      wsURL,
		restURL:    restURL,
		httpClient: &http.Client{Timeout: restTimeout},
		subscribed: make(map[string]bool),
	}
}

// IsConnected returns whether the WebSocket is connected
func (f *Feed) IsConnected() bool {
	f.connMux.RLock()
	defer f.connMux.RUnlock()
	return f.isConnected
}

// SetSubscriber sets the quote update subscriber
func (f *Feed) SetSubscriber(subscriber QuoteSubscriber) {
	f.subMux.Lock()
	defer f.subMux.Unlock()
	f.subscriber = subscriber
}

// Connect establishes the WebSocket connection and starts the message and
// ping loops
func (f *Feed) Connect(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	if err := f.connect(); err != nil {
		return err
	}

	f.wg.Add(1)
	go f.messageLoop()

	f.wg.Add(1)
	go f.pingLoop()

	return nil
}

// connect dials the feed
func (f *Feed) connect() error {
	f.connMux.Lock()
	defer f.connMux.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to quote feed: %w", err)
	}

	f.conn = conn
	f.isConnected = true
	f.reconnectAttempts = 0

	log.Printf("[Feed] WebSocket connected")

	// Resubscribe to previous symbols
	f.subscribedMux.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for symbol := range f.subscribed {
		symbols = append(symbols, symbol)
	}
	f.subscribedMux.RUnlock()

	if len(symbols) > 0 {
		go f.subscribe(symbols)
	}

	return nil
}

// Subscribe subscribes to quote updates for given symbols
func (f *Feed) Subscribe(symbols []string) error {
	f.subscribedMux.Lock()
	for _, symbol := range symbols {
		f.subscribed[strings.ToUpper(symbol)] = true
	}
	f.subscribedMux.Unlock()

	return f.subscribe(symbols)
}

// subscribe sends the subscription request
func (f *Feed) subscribe(symbols []string) error {
	if !f.IsConnected() {
		return fmt.Errorf("not connected")
	}

	msg := map[string]interface{}{
		"action":  "subscribe",
		"symbols": symbols,
		"id":      time.Now().UnixNano(),
	}

	f.connMux.RLock()
	err := f.conn.WriteJSON(msg)
	f.connMux.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	log.Printf("[Feed] Subscribed to %d symbols", len(symbols))
	return nil
}

// Unsubscribe unsubscribes from quote updates
func (f *Feed) Unsubscribe(symbols []string) error {
	f.subscribedMux.Lock()
	for _, symbol := range symbols {
		delete(f.subscribed, strings.ToUpper(symbol))
	}
	f.subscribedMux.Unlock()

	if !f.IsConnected() {
		return nil
	}

	msg := map[string]interface{}{
		"action":  "unsubscribe",
		"symbols": symbols,
		"id":      time.Now().UnixNano(),
	}

	f.connMux.RLock()
	err := f.conn.WriteJSON(msg)
	f.connMux.RUnlock()

	return err
}

// messageLoop handles incoming WebSocket messages
func (f *Feed) messageLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		f.connMux.RLock()
		conn := f.conn
		f.connMux.RUnlock()

		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Feed] WebSocket error: %v", err)
			}
			f.handleDisconnect()
			continue
		}

		f.handleMessage(message)
	}
}

// handleMessage processes a WebSocket message
func (f *Feed) handleMessage(message []byte) {
	var data struct {
		Event         string  `json:"event"`
		Symbol        string  `json:"symbol"`
		Price         float64 `json:"price"`
		ChangePercent float64 `json:"change_percent"`
		Currency      string  `json:"currency"`
		Timestamp     int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(message, &data); err != nil {
		return
	}

	if data.Event != "quote" || data.Symbol == "" {
		return
	}

	quote := Quote{
		Symbol:        strings.ToUpper(data.Symbol),
		Price:         data.Price,
		ChangePercent: data.ChangePercent,
		Currency:      data.Currency,
		Timestamp:     data.Timestamp,
	}

	f.subMux.RLock()
	subscriber := f.subscriber
	f.subMux.RUnlock()

	if subscriber != nil {
		subscriber.OnQuote(quote)
	}
}

// handleDisconnect handles WebSocket disconnection
func (f *Feed) handleDisconnect() {
	f.connMux.Lock()
	f.isConnected = false
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMux.Unlock()

	// Attempt reconnect
	for f.reconnectAttempts < maxReconnectAttempts {
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		f.reconnectAttempts++
		log.Printf("[Feed] Attempting reconnect %d/%d", f.reconnectAttempts, maxReconnectAttempts)

		if err := f.connect(); err != nil {
			log.Printf("[Feed] Reconnect failed: %v", err)
			continue
		}

		return
	}

	log.Printf("[Feed] Max reconnect attempts reached")
}

// pingLoop sends periodic ping messages
func (f *Feed) pingLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.connMux.RLock()
			conn := f.conn
			isConnected := f.isConnected
			f.connMux.RUnlock()

			if !isConnected || conn == nil {
				continue
			}

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[Feed] Ping failed: %v", err)
			}
		}
	}
}

// FetchQuote fetches a quote over REST. Used as a fallback when the
// stream has nothing fresh for the symbol.
func (f *Feed) FetchQuote(ctx context.Context, symbol string) (*Quote, error) {
	url := f.restURL + "/v1/quotes/" + strings.ToUpper(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote request for %s returned %d", symbol, resp.StatusCode)
	}

	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, err
	}
	quote.Symbol = strings.ToUpper(quote.Symbol)
	if quote.Timestamp == 0 {
		quote.Timestamp = time.Now().UnixMilli()
	}

	return &quote, nil
}

// Close closes the WebSocket connection
func (f *Feed) Close() error {
	if f.cancel != nil {
		f.cancel()
	}

	f.connMux.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.isConnected = false
	f.connMux.Unlock()

	f.wg.Wait()
	return nil
}
