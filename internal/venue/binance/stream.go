package binance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"kimp-arb-bot/internal/venue/httpx"
)

type streamQuote struct {
	price float64
	at    time.Time
}

// Stream keeps the last miniTicker close per symbol from the combined stream
// endpoint. It reconnects until its context is cancelled.
type Stream struct {
	url            string
	symbols        []string
	maxAge         time.Duration
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger
	now            func() time.Time

	mu     sync.RWMutex
	conn   *websocket.Conn
	quotes map[string]streamQuote
}

func NewStream(url string, symbols []string, maxAge time.Duration, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		url:            url,
		symbols:        append([]string(nil), symbols...),
		maxAge:         maxAge,
		reconnectDelay: 2 * time.Second,
		pingInterval:   30 * time.Second,
		log:            log,
		now:            time.Now,
		quotes:         make(map[string]streamQuote),
	}
}

// Price returns the streamed price when it is younger than maxAge.
func (s *Stream) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	q, ok := s.quotes[strings.ToUpper(symbol)]
	s.mu.RUnlock()
	if !ok || q.price <= 0 {
		return 0, false
	}
	if s.maxAge > 0 && s.now().Sub(q.at) > s.maxAge {
		return 0, false
	}
	return q.price, true
}

type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type miniTicker struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

func (s *Stream) subscription() subscribeMessage {
	params := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		params = append(params, strings.ToLower(Pair(sym))+"@miniTicker")
	}
	return subscribeMessage{Method: "SUBSCRIBE", Params: params, ID: 1}
}

func (s *Stream) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logSessionError(err)
		s.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if err := writeJSON(ctx, conn, s.subscription()); err != nil {
		return err
	}
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		s.pingLoop(pingCtx, conn)
	}()
	err = s.readLoop(ctx, conn)
	cancel()
	<-pingDone
	return err
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *Stream) handle(data []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil || len(env.Data) == 0 {
		return
	}
	var tick miniTicker
	if err := json.Unmarshal(env.Data, &tick); err != nil || tick.Event != "24hrMiniTicker" {
		return
	}
	price, ok := httpx.Float(tick.Close)
	if !ok || price <= 0 {
		return
	}
	symbol := strings.TrimSuffix(strings.ToUpper(tick.Symbol), Quote)
	s.mu.Lock()
	s.quotes[symbol] = streamQuote{price: price, at: s.now()}
	s.mu.Unlock()
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if s.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Stream) logSessionError(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			s.log.Info("binance stream closed", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	s.log.Warn("binance stream ended", zap.Error(err))
}

func (s *Stream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
