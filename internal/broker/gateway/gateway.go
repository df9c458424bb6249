// Package gateway adapts a REST and WebSocket venue gateway to the broker
// interface. Orders go over REST; ticks, fills and status pushes arrive on a
// single stream connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
)

type Config struct {
	BaseURL           string
	WSURL             string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
}

func ConfigFrom(cfg config.GatewayConfig) Config {
	return Config(cfg)
}

type submitRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	Quantity      int64           `json:"qty"`
	OrderType     types.OrderType `json:"order_type"`
	LimitPrice    *string         `json:"limit_price,omitempty"`
}

// Broker talks to the gateway
type Broker struct {
	cfg    Config
	client *client
	logger zerolog.Logger

	notify chan broker.Notification

	mu        sync.Mutex
	connected bool
	stream    *stream
}

func New(cfg Config) *Broker {
	return &Broker{
		cfg:    cfg,
		client: newClient(cfg),
		logger: zlog.With().Str("component", "gateway").Logger(),
		notify: make(chan broker.Notification, notifyBuffer),
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	if _, err := b.client.get(ctx, "/v1/health", nil); err != nil {
		return fmt.Errorf("gateway health check: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if b.cfg.WSURL != "" {
		s := newStream(b.cfg.WSURL, b.cfg.APIKey, b.notify, b.logger)
		if err := s.start(ctx); err != nil {
			return fmt.Errorf("gateway stream: %w", err)
		}
		b.stream = s
	}
	b.connected = true
	b.logger.Info().Str("base_url", b.cfg.BaseURL).Bool("stream", b.stream != nil).Msg("connected")
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	s := b.stream
	b.stream = nil
	b.connected = false
	b.mu.Unlock()

	if s != nil {
		s.stop()
	}
	return nil
}

func (b *Broker) ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return broker.ErrNotConnected
	}
	return nil
}

func (b *Broker) SubmitOrder(ctx context.Context, intent types.OrderIntent) (broker.OrderAck, error) {
	if err := b.ready(); err != nil {
		return broker.OrderAck{}, err
	}

	req := submitRequest{
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		OrderType:     intent.OrderType,
	}
	if intent.OrderType == types.OrderTypeLimit && intent.LimitPrice.Valid {
		p := intent.LimitPrice.Decimal.String()
		req.LimitPrice = &p
	}

	body, err := b.client.post(ctx, "/v1/orders", req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return broker.OrderAck{}, fmt.Errorf("%w: %w", broker.ErrRejected, apiErr)
		}
		return broker.OrderAck{}, err
	}

	var ack broker.OrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return broker.OrderAck{}, fmt.Errorf("decode order ack: %w", err)
	}
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = intent.ClientOrderID
	}
	if ack.Status == "" {
		ack.Status = types.OrderStatusSubmitted
	}
	if ack.Status == types.OrderStatusRejected {
		return ack, broker.ErrRejected
	}
	return ack, nil
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := b.ready(); err != nil {
		return err
	}
	_, err := b.client.del(ctx, "/v1/orders/"+url.PathEscape(brokerOrderID))
	return err
}

func (b *Broker) SubscribeMarketData(ctx context.Context, symbol string) (<-chan types.MarketEvent, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	s := b.stream
	b.mu.Unlock()
	if s == nil {
		return nil, errors.New("gateway has no stream url configured")
	}
	return s.subscribe(symbol)
}

func (b *Broker) PollOrderStatus(ctx context.Context, brokerOrderID string) (broker.StatusUpdate, error) {
	var st broker.StatusUpdate
	if err := b.getJSON(ctx, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, &st); err != nil {
		return broker.StatusUpdate{}, err
	}
	if st.BrokerOrderID == "" {
		st.BrokerOrderID = brokerOrderID
	}
	return st, nil
}

func (b *Broker) PollFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var fills []types.Fill
	if err := b.getJSON(ctx, "/v1/fills", params, &fills); err != nil {
		return nil, err
	}
	for i := range fills {
		// Row ids belong to the local store.
		fills[i].ID = 0
	}
	return fills, nil
}

func (b *Broker) PollCommission(ctx context.Context, execID string) (broker.Commission, error) {
	var c broker.Commission
	if err := b.getJSON(ctx, "/v1/commissions/"+url.PathEscape(execID), nil, &c); err != nil {
		return broker.Commission{}, err
	}
	c.ExecID = execID
	return c, nil
}

func (b *Broker) ListOpenOrders(ctx context.Context) ([]broker.OpenOrder, error) {
	var orders []broker.OpenOrder
	params := url.Values{"status": []string{"open"}}
	if err := b.getJSON(ctx, "/v1/orders", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (b *Broker) ListPositions(ctx context.Context) ([]broker.Position, error) {
	var positions []broker.Position
	if err := b.getJSON(ctx, "/v1/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// Notifications carries fill and status pushes from the stream. Nothing is
// delivered when no stream url is configured.
func (b *Broker) Notifications() <-chan broker.Notification {
	return b.notify
}

func (b *Broker) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if err := b.ready(); err != nil {
		return err
	}
	body, err := b.client.get(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

