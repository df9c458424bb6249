package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/types"
)

const (
	subscriberBuffer = 64
	notifyBuffer     = 256
)

// streamMessage is one frame on the gateway stream
type streamMessage struct {
	Type   string               `json:"type"`
	Tick   *types.MarketEvent   `json:"tick,omitempty"`
	Fill   *types.Fill          `json:"fill,omitempty"`
	Status *broker.StatusUpdate `json:"status,omitempty"`
}

type subscribeMessage struct {
	Op     string `json:"op"`
	Symbol string `json:"symbol"`
}

// stream keeps one websocket open, reconnecting and resubscribing after drops
type stream struct {
	url    string
	header http.Header
	logger zerolog.Logger
	notify chan<- broker.Notification

	reconnectWait time.Duration
	pingInterval  time.Duration
	pongWait      time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]chan types.MarketEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStream(url, apiKey string, notify chan<- broker.Notification, logger zerolog.Logger) *stream {
	header := http.Header{}
	if apiKey != "" {
		header.Set("X-API-Key", apiKey)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		url:           url,
		header:        header,
		logger:        logger.With().Str("stream", url).Logger(),
		notify:        notify,
		reconnectWait: time.Second,
		pingInterval:  15 * time.Second,
		pongWait:      45 * time.Second,
		subs:          make(map[string]chan types.MarketEvent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// start dials once so a bad url fails Connect, then keeps the stream alive
func (s *stream) start(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		s.cancel()
		return err
	}
	s.wg.Add(1)
	go s.runLoop()
	return nil
}

func (s *stream) stop() {
	s.cancel()
	s.closeConn()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("stream goroutines did not exit within timeout")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, ch := range s.subs {
		close(ch)
		delete(s.subs, sym)
	}
}

func (s *stream) subscribe(symbol string) (<-chan types.MarketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.subs[symbol]
	if ok {
		return ch, nil
	}
	ch = make(chan types.MarketEvent, subscriberBuffer)
	s.subs[symbol] = ch

	// Without a live connection the subscription is sent on reconnect.
	if s.conn != nil {
		if err := s.conn.WriteJSON(subscribeMessage{Op: "subscribe", Symbol: symbol}); err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("subscribe deferred to reconnect")
		}
	}
	return ch, nil
}

func (s *stream) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		conn.Close()
		return s.ctx.Err()
	}
	s.conn = conn
	for symbol := range s.subs {
		if err := conn.WriteJSON(subscribeMessage{Op: "subscribe", Symbol: symbol}); err != nil {
			return fmt.Errorf("resubscribe %s: %w", symbol, err)
		}
	}
	return nil
}

func (s *stream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *stream) runLoop() {
	defer s.wg.Done()

	connected := true
	for {
		if !connected {
			if err := s.dial(s.ctx); err != nil {
				s.logger.Error().Err(err).Msg("stream reconnect failed")
				s.closeConn()
				if !s.wait() {
					return
				}
				continue
			}
			s.logger.Info().Msg("stream reconnected")
		}

		beatCtx, beatCancel := context.WithCancel(s.ctx)
		s.wg.Add(1)
		go s.heartbeat(beatCtx)

		s.readLoop()
		beatCancel()
		connected = false

		if !s.wait() {
			return
		}
	}
}

// wait sleeps for the reconnect delay and reports false once stopped
func (s *stream) wait() bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(s.reconnectWait):
		return true
	}
}

func (s *stream) heartbeat(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			s.mu.Unlock()

			if conn == nil {
				return
			}
			if err != nil {
				s.closeConn()
				return
			}
		}
	}
}

func (s *stream) readLoop() {
	defer s.closeConn()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("stream read failed")
			}
			return
		}
		s.dispatch(data)
	}
}

func (s *stream) dispatch(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("undecodable stream frame")
		return
	}

	switch msg.Type {
	case "tick":
		if msg.Tick == nil || !msg.Tick.Valid() {
			return
		}
		s.mu.Lock()
		ch, ok := s.subs[msg.Tick.Symbol]
		if ok {
			select {
			case ch <- *msg.Tick:
			default:
				s.logger.Warn().Str("symbol", msg.Tick.Symbol).Msg("tick dropped, subscriber is behind")
			}
		}
		s.mu.Unlock()
	case "fill":
		if msg.Fill == nil {
			return
		}
		msg.Fill.ID = 0
		s.push(broker.Notification{Kind: broker.NotifyFill, Fill: msg.Fill})
	case "status":
		if msg.Status == nil {
			return
		}
		s.push(broker.Notification{Kind: broker.NotifyStatus, Status: msg.Status})
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("ignoring stream frame")
	}
}

// push never blocks the read loop; a dropped notification is recovered by
// the next poll.
func (s *stream) push(n broker.Notification) {
	select {
	case s.notify <- n:
	default:
		s.logger.Warn().Str("kind", string(n.Kind)).Msg("notification dropped, consumer is behind")
	}
}
