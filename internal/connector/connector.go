// Package connector is the surface a trading strategy talks to. It owns one
// session manager, one circuit breaker, one order pipeline and one stream
// manager, and wires them together with a single lifecycle.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kite-connector/internal/broker"
	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/journal"
	"kite-connector/internal/logging"
	"kite-connector/internal/models"
	"kite-connector/internal/orders"
	"kite-connector/internal/resilience"
	"kite-connector/internal/session"
	"kite-connector/internal/stream"
)

// ErrBridgeUnavailable is returned when the bridge is stopped or its queue
// is full.
var ErrBridgeUnavailable = errors.New("bridge unavailable")

// Options configures a Connector. Zero sections take their defaults.
type Options struct {
	Session     session.Config
	Breaker     resilience.CircuitBreakerConfig
	Stream      stream.Config
	Orders      orders.Config
	Health      resilience.HealthMonitorConfig
	BridgeQueue int
	// Journal records order attempts. Nil disables it.
	Journal journal.Journal
}

// DefaultOptions returns the documented defaults with the health monitor
// disabled.
func DefaultOptions() Options {
	return Options{
		Session: session.DefaultConfig(),
		Breaker: resilience.DefaultCircuitBreakerConfig(),
		Stream:  stream.DefaultConfig(),
		Orders:  orders.DefaultConfig(),
		Health:  resilience.HealthMonitorConfig{CheckTimeout: 10 * time.Second},
	}
}

// Connector is the connectivity layer as one object.
type Connector struct {
	breaker  *resilience.CircuitBreaker
	sessions *session.Manager
	streams  *stream.Manager
	pipeline *orders.Pipeline
	health   *resilience.HealthMonitor
	bridge   *Bridge
	journal  journal.Journal
	logger   zerolog.Logger
}

// New builds a connector over service. Nothing is dialled until Connect.
func New(service broker.Service, opts Options, logger zerolog.Logger) *Connector {
	def := DefaultOptions()
	if opts.Breaker.Threshold <= 0 {
		opts.Breaker = def.Breaker
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}

	breaker := resilience.NewCircuitBreaker("kite", opts.Breaker)
	sessions := session.NewManager(service, breaker, opts.Session, logger)
	c := &Connector{
		breaker:  breaker,
		sessions: sessions,
		streams:  stream.NewManager(sessions, opts.Stream, logger),
		pipeline: orders.NewPipeline(sessions, opts.Orders, opts.Journal, logger),
		health:   resilience.NewHealthMonitor(opts.Health, logger),
		bridge:   NewBridge(opts.BridgeQueue, logger),
		journal:  opts.Journal,
		logger:   logging.WithComponent(logger, "connector"),
	}

	c.health.RegisterComponent("session", resilience.ProbeHealthCheck(sessions.Probe))
	c.health.RegisterComponent("breaker", c.breakerHealth)
	c.health.RegisterComponent("stream", c.streamHealth)
	c.bridge.Start()
	return c
}

// Connect authenticates, binds the session and opens the push-data
// connection. A stream failure leaves the session connected and is
// returned so the caller can retry the stream with ConnectStream.
func (c *Connector) Connect(ctx context.Context, cred broker.Credential) error {
	if err := c.sessions.Connect(ctx, cred, 0); err != nil {
		return err
	}
	c.health.Start(context.Background())

	if err := c.ConnectStream(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Session connected but stream did not open")
		return err
	}
	return nil
}

// ConnectStream opens the push-data connection if it is not open already.
func (c *Connector) ConnectStream(ctx context.Context) error {
	return c.streams.Connect(ctx)
}

// Disconnect closes the stream on purpose and releases the session. The
// stream does not reconnect afterwards.
func (c *Connector) Disconnect() {
	c.health.Stop()
	if err := c.streams.Disconnect(); err != nil {
		c.logger.Debug().Err(err).Msg("Stream close returned an error")
	}
	c.sessions.Disconnect()
}

// Close disconnects and stops the bridge and the journal. The connector
// cannot be used afterwards.
func (c *Connector) Close() error {
	c.Disconnect()
	c.bridge.Stop()
	return c.journal.Close()
}

// IsConnected reports whether the session is connected and the breaker is
// closed.
func (c *Connector) IsConnected() bool {
	return c.sessions.IsConnected()
}

// GetAccountEquity returns the account's current equity.
func (c *Connector) GetAccountEquity(ctx context.Context) (float64, error) {
	account, err := read(ctx, c, func(sess *session.Session) (*models.Account, error) {
		return sess.GetAccountInfo(ctx)
	})
	if err != nil {
		return 0, err
	}
	return account.Equity, nil
}

// GetAllOpenPositions lists every non-flat position.
func (c *Connector) GetAllOpenPositions(ctx context.Context) ([]models.Position, error) {
	return read(ctx, c, func(sess *session.Session) ([]models.Position, error) {
		return sess.OpenPositions(ctx)
	})
}

// GetPositionQuantity returns the net quantity held in symbol across
// products. A flat or unknown symbol is 0.
func (c *Connector) GetPositionQuantity(ctx context.Context, symbol string) (int, error) {
	if strings.TrimSpace(symbol) == "" {
		return 0, apperrors.NewValidationError("symbol", symbol, "must not be empty")
	}
	positions, err := c.GetAllOpenPositions(ctx)
	if err != nil {
		return 0, err
	}

	exchange, sym := broker.ParseSymbol(symbol, "")
	qty := 0
	for _, p := range positions {
		if p.Symbol != sym {
			continue
		}
		if exchange != "" && p.Exchange != exchange {
			continue
		}
		qty += p.Quantity
	}
	return qty, nil
}

// read runs fn on the current session. A transient or stale failure gets
// one forced reconnect and one more try.
func read[T any](ctx context.Context, c *Connector, fn func(*session.Session) (T, error)) (T, error) {
	var zero T
	sess, err := c.sessions.Current(ctx)
	if err != nil {
		return zero, err
	}
	v, err := fn(sess)
	if err == nil || !apperrors.IsRecoverable(err) {
		return v, err
	}

	c.logger.Warn().Err(err).Msg("Read failed on a stale session, reconnecting once")
	if rerr := c.sessions.Reconnect(ctx); rerr != nil {
		return zero, rerr
	}
	if sess, err = c.sessions.Current(ctx); err != nil {
		return zero, err
	}
	return fn(sess)
}

// PlaceMarketOrder submits a market order.
func (c *Connector) PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, qty int) (*models.Order, error) {
	return c.PlaceOrder(ctx, models.OrderRequest{Kind: models.OrderKindMarket, Symbol: symbol, Side: side, Quantity: qty})
}

// PlaceLimitOrder submits a limit order at price.
func (c *Connector) PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, qty int, price float64) (*models.Order, error) {
	return c.PlaceOrder(ctx, models.OrderRequest{Kind: models.OrderKindLimit, Symbol: symbol, Side: side, Quantity: qty, Price: price})
}

// PlaceStopOrder submits a stop-market order triggered at price.
func (c *Connector) PlaceStopOrder(ctx context.Context, symbol string, side models.OrderSide, qty int, price float64) (*models.Order, error) {
	return c.PlaceOrder(ctx, models.OrderRequest{Kind: models.OrderKindStop, Symbol: symbol, Side: side, Quantity: qty, Price: price})
}

// PlaceOrder submits req through the order pipeline.
func (c *Connector) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	ack, err := c.pipeline.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	return models.NewOrder(req, ack), nil
}

// PlaceOrderAsync submits req on the bridge worker and reports the result
// to done from that worker. It returns false if the bridge refused the task.
func (c *Connector) PlaceOrderAsync(req models.OrderRequest, done func(*models.Order, error)) bool {
	return c.bridge.Submit(func(ctx context.Context) {
		order, err := c.PlaceOrder(ctx, req)
		if done != nil {
			done(order, err)
		}
	})
}

// CancelOrder cancels an open order.
func (c *Connector) CancelOrder(ctx context.Context, orderID string) error {
	return c.pipeline.CancelOrder(ctx, orderID)
}

// SubscribeTrades delivers last-trade prints for symbol to handler.
func (c *Connector) SubscribeTrades(ctx context.Context, symbol string, handler func(models.Trade)) error {
	if handler == nil {
		return apperrors.NewValidationError("handler", nil, "must not be nil")
	}
	return c.subscribe(ctx, models.TopicTrades, symbol, func(ev broker.Event) {
		if ev.Trade != nil {
			handler(*ev.Trade)
		}
	})
}

// SubscribeQuotes delivers top-of-book updates for symbol to handler.
func (c *Connector) SubscribeQuotes(ctx context.Context, symbol string, handler func(models.Quote)) error {
	if handler == nil {
		return apperrors.NewValidationError("handler", nil, "must not be nil")
	}
	return c.subscribe(ctx, models.TopicQuotes, symbol, func(ev broker.Event) {
		if ev.Quote != nil {
			handler(*ev.Quote)
		}
	})
}

// SubscribeDepth delivers market-depth snapshots for symbol to handler.
func (c *Connector) SubscribeDepth(ctx context.Context, symbol string, handler func(models.Depth)) error {
	if handler == nil {
		return apperrors.NewValidationError("handler", nil, "must not be nil")
	}
	return c.subscribe(ctx, models.TopicDepth, symbol, func(ev broker.Event) {
		if ev.Depth != nil {
			handler(*ev.Depth)
		}
	})
}

// subscribe adds the subscription and, if the stream went idle while the
// session is up, reopens it so the new entry is sent.
func (c *Connector) subscribe(ctx context.Context, kind models.TopicKind, symbol string, handler stream.Handler) error {
	if err := c.streams.Subscribe(ctx, kind, symbol, handler); err != nil {
		return err
	}
	if c.streams.State() == stream.StateIdle && c.sessions.IsConnected() {
		return c.ConnectStream(ctx)
	}
	return nil
}

// Unsubscribe removes one subscription. Unknown subscriptions are ignored.
func (c *Connector) Unsubscribe(ctx context.Context, kind models.TopicKind, symbol string) error {
	return c.streams.Unsubscribe(ctx, kind, symbol)
}

// OnStreamError registers fn for stream faults that are not routine closes.
func (c *Connector) OnStreamError(fn func(error)) {
	c.streams.OnError(fn)
}

// Status is a point-in-time view of the connector.
type Status struct {
	Session       session.ConnectionState
	Stream        stream.State
	Breaker       resilience.CircuitBreakerStats
	StreamMetrics stream.Metrics
	Subscriptions []stream.Key
	Bridge        BridgeStats
	Healthy       bool
}

// Status returns the connector's current state.
func (c *Connector) Status() Status {
	return Status{
		Session:       c.sessions.State(),
		Stream:        c.streams.State(),
		Breaker:       c.breaker.Stats(),
		StreamMetrics: c.streams.Metrics(),
		Subscriptions: c.streams.Subscriptions(),
		Bridge:        c.bridge.Stats(),
		Healthy:       c.health.IsHealthy(),
	}
}

// CheckHealth runs every health check once and reports whether all passed.
func (c *Connector) CheckHealth(ctx context.Context) bool {
	c.health.RunChecks(ctx)
	return c.health.IsHealthy()
}

func (c *Connector) breakerHealth(context.Context) resilience.ComponentHealth {
	stats := c.breaker.Stats()
	if c.breaker.IsOpen() {
		return resilience.ComponentHealth{
			Status:  resilience.HealthStatusUnhealthy,
			Message: fmt.Sprintf("circuit open until %s", stats.ResetAt.Format(time.RFC3339)),
		}
	}
	if stats.CurrentFailures > 0 {
		return resilience.ComponentHealth{
			Status:  resilience.HealthStatusDegraded,
			Message: fmt.Sprintf("%d/%d consecutive failures", stats.CurrentFailures, stats.Threshold),
		}
	}
	return resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Message: "circuit closed"}
}

func (c *Connector) streamHealth(context.Context) resilience.ComponentHealth {
	state := c.streams.State()
	subs := c.streams.Metrics().Subscriptions
	switch {
	case state == stream.StateOpen:
		return resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Message: fmt.Sprintf("open, %d subscriptions", subs)}
	case state == stream.StateReconnecting || state == stream.StateConnecting:
		return resilience.ComponentHealth{Status: resilience.HealthStatusDegraded, Message: state.String()}
	case subs > 0:
		return resilience.ComponentHealth{Status: resilience.HealthStatusUnhealthy, Message: fmt.Sprintf("%s with %d subscriptions", state, subs)}
	}
	return resilience.ComponentHealth{Status: resilience.HealthStatusHealthy, Message: state.String()}
}
