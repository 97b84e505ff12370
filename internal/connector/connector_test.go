package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kite-connector/internal/broker"
	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/models"
	"kite-connector/internal/resilience"
	"kite-connector/internal/stream"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestConnector(t *testing.T) (*Connector, *broker.PaperService) {
	t.Helper()
	paper := broker.NewPaperService(broker.PaperConfig{
		InitialBalance: 100000,
		TickInterval:   5 * time.Millisecond,
		Seed:           7,
	})

	opts := DefaultOptions()
	opts.Session.WarmupSymbols = []string{"RELIANCE"}
	opts.Session.Backoff = resilience.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond}
	opts.Stream.Reconnect = resilience.Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond}
	opts.Stream.ReplayBackoff = resilience.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond}
	opts.Stream.OpenTimeout = time.Second
	opts.Orders.RetryPause = time.Millisecond

	c := New(paper, opts, zerolog.Nop())
	t.Cleanup(func() { c.Close() })
	return c, paper
}

func connect(t *testing.T, c *Connector) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background(), broker.Credential{UserID: "AB1234"}))
}

func TestConnector_ConnectAndDisconnect(t *testing.T) {
	c, _ := newTestConnector(t)
	assert.False(t, c.IsConnected())

	connect(t, c)
	assert.True(t, c.IsConnected())
	status := c.Status()
	assert.Equal(t, stream.StateOpen, status.Stream)
	assert.Equal(t, resilience.CircuitClosed, status.Breaker.State)

	c.Disconnect()
	assert.False(t, c.IsConnected())
	assert.Equal(t, stream.StateIdle, c.Status().Stream)

	_, err := c.PlaceMarketOrder(context.Background(), "INFY", models.OrderSideBuy, 1)
	var notReady *apperrors.NotReadyError
	assert.ErrorAs(t, err, &notReady)
}

func TestConnector_ConnectFailureIsAuthenticationError(t *testing.T) {
	c, _ := newTestConnector(t)

	err := c.Connect(context.Background(), broker.Credential{})
	var authErr *apperrors.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	assert.False(t, c.IsConnected())
}

func TestConnector_AccountAndPositions(t *testing.T) {
	c, _ := newTestConnector(t)
	connect(t, c)
	ctx := context.Background()

	equity, err := c.GetAccountEquity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100000, equity, 0.001)

	order, err := c.PlaceMarketOrder(ctx, "sbin", models.OrderSideBuy, 10)
	require.NoError(t, err)
	assert.Equal(t, "SBIN", order.Symbol)
	assert.Equal(t, "COMPLETE", order.Status)
	assert.Equal(t, models.OrderKindMarket, order.Kind)

	qty, err := c.GetPositionQuantity(ctx, "SBIN")
	require.NoError(t, err)
	assert.Equal(t, 10, qty)

	qty, err = c.GetPositionQuantity(ctx, "nse:sbin")
	require.NoError(t, err)
	assert.Equal(t, 10, qty)

	qty, err = c.GetPositionQuantity(ctx, "BSE:SBIN")
	require.NoError(t, err)
	assert.Zero(t, qty)

	positions, err := c.GetAllOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "NSE:SBIN", positions[0].InstrumentID)

	_, err = c.GetPositionQuantity(ctx, " ")
	assert.ErrorIs(t, err, apperrors.ErrInputValidation)
}

func TestConnector_ReadRecoversFromDeadConnection(t *testing.T) {
	c, paper := newTestConnector(t)
	connect(t, c)
	before := c.sessions.Token().AccessToken

	paper.FailNext("account", apperrors.NewTransientTransportError("account", apperrors.ErrConnectionDied))
	equity, err := c.GetAccountEquity(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100000, equity, 0.001)
	assert.NotEqual(t, before, c.sessions.Token().AccessToken)
}

func TestConnector_ReadSurfacesBusinessErrorsWithoutReconnect(t *testing.T) {
	c, paper := newTestConnector(t)
	connect(t, c)
	before := c.sessions.Token().AccessToken

	paper.FailNext("positions", apperrors.NewBusinessRejection("PermissionException", "segment disabled", nil))
	_, err := c.GetAllOpenPositions(context.Background())
	var br *apperrors.BusinessRejection
	require.ErrorAs(t, err, &br)
	assert.Equal(t, before, c.sessions.Token().AccessToken)
}

func TestConnector_OrdersAndCancel(t *testing.T) {
	c, _ := newTestConnector(t)
	connect(t, c)
	ctx := context.Background()

	order, err := c.PlaceLimitOrder(ctx, "INFY", models.OrderSideBuy, 2, 1000)
	require.NoError(t, err)
	assert.Equal(t, "OPEN", order.Status)
	assert.Equal(t, 1000.0, order.Price)

	_, err = c.PlaceLimitOrder(ctx, "INFY", models.OrderSideBuy, 2, 1001)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateRejected)

	require.NoError(t, c.CancelOrder(ctx, order.ID))

	stop, err := c.PlaceStopOrder(ctx, "TCS", models.OrderSideSell, 1, 3000)
	require.NoError(t, err)
	assert.Equal(t, models.OrderKindStop, stop.Kind)

	_, err = c.PlaceStopOrder(ctx, "TCS", models.OrderSideBuy, 1, 0)
	assert.ErrorIs(t, err, apperrors.ErrInputValidation)

	_, err = c.PlaceMarketOrder(ctx, "NOSUCH", models.OrderSideBuy, 1)
	assert.ErrorIs(t, err, apperrors.ErrSymbolNotFound)
}

func TestConnector_PlaceOrderAsync(t *testing.T) {
	c, _ := newTestConnector(t)
	connect(t, c)

	type result struct {
		order *models.Order
		err   error
	}
	done := make(chan result, 1)
	ok := c.PlaceOrderAsync(models.OrderRequest{
		Kind: models.OrderKindMarket, Symbol: "HDFCBANK", Side: models.OrderSideBuy, Quantity: 3,
	}, func(o *models.Order, err error) { done <- result{o, err} })
	require.True(t, ok)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "HDFCBANK", r.order.Symbol)
	case <-time.After(waitFor):
		t.Fatal("async order never completed")
	}

	qty, err := c.GetPositionQuantity(context.Background(), "HDFCBANK")
	require.NoError(t, err)
	assert.Equal(t, 3, qty, "the caller's own scope sees the bridge's order")
}

func TestConnector_SubscriptionsSurviveStreamDrop(t *testing.T) {
	c, paper := newTestConnector(t)
	connect(t, c)
	ctx := context.Background()

	var mu sync.Mutex
	quotes, trades := 0, 0
	var faults []error
	c.OnStreamError(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		faults = append(faults, err)
	})

	require.NoError(t, c.SubscribeQuotes(ctx, "INFY", func(q models.Quote) {
		mu.Lock()
		defer mu.Unlock()
		if q.Symbol == "INFY" {
			quotes++
		}
	}))
	require.NoError(t, c.SubscribeTrades(ctx, "TCS", func(models.Trade) {
		mu.Lock()
		defer mu.Unlock()
		trades++
	}))
	require.NoError(t, c.SubscribeDepth(ctx, "SBIN", func(models.Depth) {}))

	count := func() (int, int) {
		mu.Lock()
		defer mu.Unlock()
		return quotes, trades
	}
	require.Eventually(t, func() bool { q, tr := count(); return q > 0 && tr > 0 }, waitFor, tick)

	paper.DropStreams(errors.New("bad frame"))
	require.Eventually(t, func() bool { return c.Status().StreamMetrics.Reconnects == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.Status().Stream == stream.StateOpen }, waitFor, tick)

	q0, t0 := count()
	require.Eventually(t, func() bool { q, tr := count(); return q > q0 && tr > t0 }, waitFor, tick)

	assert.Equal(t, []stream.Key{
		{Kind: models.TopicQuotes, Symbol: "INFY"},
		{Kind: models.TopicTrades, Symbol: "TCS"},
		{Kind: models.TopicDepth, Symbol: "SBIN"},
	}, c.Status().Subscriptions)

	mu.Lock()
	require.NotEmpty(t, faults)
	assert.ErrorContains(t, faults[0], "bad frame")
	mu.Unlock()

	require.NoError(t, c.Unsubscribe(ctx, models.TopicQuotes, "INFY"))
	assert.Len(t, c.Status().Subscriptions, 2)
}

func TestConnector_SubscribeValidation(t *testing.T) {
	c, _ := newTestConnector(t)
	connect(t, c)
	ctx := context.Background()

	assert.ErrorIs(t, c.SubscribeTrades(ctx, "INFY", nil), apperrors.ErrInputValidation)
	assert.ErrorIs(t, c.SubscribeQuotes(ctx, "NOSUCH", func(models.Quote) {}), apperrors.ErrSymbolNotFound)
}

func TestConnector_HealthReflectsBreaker(t *testing.T) {
	c, _ := newTestConnector(t)
	connect(t, c)
	ctx := context.Background()

	assert.True(t, c.CheckHealth(ctx))

	for i := 0; i < c.breaker.Stats().Threshold; i++ {
		c.breaker.RecordFailure()
	}
	assert.False(t, c.IsConnected())
	assert.False(t, c.CheckHealth(ctx))

	_, err := c.GetAccountEquity(ctx)
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
}
