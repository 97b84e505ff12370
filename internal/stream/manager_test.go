package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kite-connector/internal/broker"
	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/models"
)

var testTokens = map[string]uint32{
	"RELIANCE": 738561,
	"INFY":     408065,
	"TCS":      2953217,
}

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

type fakeStream struct {
	log    *eventLog
	events chan broker.Event

	mu            sync.Mutex
	noOpen        bool
	closeOnOpen   error
	preload       []broker.Event
	failSubscribe map[string]int
	subscribed    []string
	closed        bool
}

func newFakeStream(log *eventLog) *fakeStream {
	return &fakeStream{
		log:           log,
		events:        make(chan broker.Event, 64),
		failSubscribe: make(map[string]int),
	}
}

func (f *fakeStream) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noOpen {
		return nil
	}
	if f.closeOnOpen != nil {
		f.events <- broker.Event{Type: broker.EventClosed, Err: f.closeOnOpen}
		return nil
	}
	f.events <- broker.Event{Type: broker.EventOpen}
	for _, ev := range f.preload {
		f.events <- ev
	}
	return nil
}

func (f *fakeStream) Subscribe(ctx context.Context, kind models.TopicKind, inst models.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return apperrors.ErrStreamClosed
	}
	if f.failSubscribe[inst.Symbol] > 0 {
		f.failSubscribe[inst.Symbol]--
		return errors.New("send failed")
	}
	entry := string(kind) + ":" + inst.Symbol
	f.subscribed = append(f.subscribed, entry)
	f.log.add("sub " + entry)
	return nil
}

func (f *fakeStream) Unsubscribe(ctx context.Context, kind models.TopicKind, inst models.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("unsub " + string(kind) + ":" + inst.Symbol)
	return nil
}

func (f *fakeStream) Events() <-chan broker.Event { return f.events }

func (f *fakeStream) Close() error {
	f.drop(nil)
	return nil
}

// drop closes the stream from the remote side.
func (f *fakeStream) drop(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.events <- broker.Event{Type: broker.EventClosed, Err: err}
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

type fakeDialer struct {
	log *eventLog

	mu        sync.Mutex
	dials     int
	failDials int
	streams   []*fakeStream
	prepare   func(n int, s *fakeStream)
}

func (d *fakeDialer) Dial(ctx context.Context) (broker.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failDials > 0 {
		d.failDials--
		return nil, apperrors.NewTransientTransportError("dial", apperrors.ErrConnectionDied)
	}
	s := newFakeStream(d.log)
	if d.prepare != nil {
		d.prepare(len(d.streams)+1, s)
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) Resolve(ctx context.Context, symbol string) (models.Instrument, error) {
	name := strings.TrimPrefix(symbol, "NSE:")
	token, ok := testTokens[name]
	if !ok {
		return models.Instrument{}, apperrors.NewUnknownSymbolError(symbol)
	}
	return models.Instrument{ID: "NSE:" + name, Symbol: name, Token: token, Exchange: models.NSE}, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) latest() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

func (d *fakeDialer) setFailDials(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failDials = n
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestManager(cfg Config) (*Manager, *fakeDialer, *recordingSleeper) {
	dialer := &fakeDialer{log: &eventLog{}}
	sleeper := &recordingSleeper{}
	m := NewManager(dialer, cfg, zerolog.Nop()).WithSleeper(sleeper.Sleep)
	return m, dialer, sleeper
}

func noopHandler(broker.Event) {}

func subscribeAll(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, models.TopicTrades, "RELIANCE", noopHandler))
	require.NoError(t, m.Subscribe(ctx, models.TopicQuotes, "INFY", noopHandler))
	require.NoError(t, m.Subscribe(ctx, models.TopicDepth, "TCS", noopHandler))
}

var insertionOrder = []string{"trades:RELIANCE", "quotes:INFY", "depth:TCS"}

func TestManager_ConnectReplaysInInsertionOrder(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	subscribeAll(t, m)
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, insertionOrder, dialer.latest().Subscribed())
	assert.Equal(t, []Key{
		{models.TopicTrades, "RELIANCE"}, {models.TopicQuotes, "INFY"}, {models.TopicDepth, "TCS"},
	}, m.Subscriptions())
}

func TestManager_SubscribeWhileOpenSendsOnce(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	require.NoError(t, m.Subscribe(ctx, models.TopicQuotes, "infy", noopHandler))
	require.NoError(t, m.Subscribe(ctx, models.TopicQuotes, "INFY", noopHandler))
	assert.Equal(t, []string{"quotes:INFY"}, dialer.latest().Subscribed())
	assert.Len(t, m.Subscriptions(), 1)
}

func TestManager_SubscribeValidates(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	assert.ErrorIs(t, m.Subscribe(ctx, models.TopicKind("bars"), "INFY", noopHandler), apperrors.ErrInputValidation)
	assert.ErrorIs(t, m.Subscribe(ctx, models.TopicQuotes, "INFY", nil), apperrors.ErrInputValidation)
	assert.ErrorIs(t, m.Subscribe(ctx, models.TopicQuotes, " ", noopHandler), apperrors.ErrInputValidation)
	assert.ErrorIs(t, m.Subscribe(ctx, models.TopicQuotes, "NOPE", noopHandler), apperrors.ErrSymbolNotFound)
	assert.Empty(t, m.Subscriptions())
}

func TestManager_ReconnectResubscribesBeforeHandlers(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	dialer.prepare = func(n int, s *fakeStream) {
		if n > 1 {
			s.preload = []broker.Event{{
				Type:  broker.EventQuote,
				Token: testTokens["INFY"],
				Quote: &models.Quote{Symbol: "INFY", Last: 1520},
			}}
		}
	}
	require.NoError(t, m.Subscribe(ctx, models.TopicTrades, "RELIANCE", noopHandler))
	require.NoError(t, m.Subscribe(ctx, models.TopicQuotes, "INFY", func(ev broker.Event) {
		dialer.log.add("handler " + ev.Quote.Symbol)
	}))
	require.NoError(t, m.Subscribe(ctx, models.TopicDepth, "TCS", noopHandler))
	require.NoError(t, m.Connect(ctx))

	dialer.log.reset()
	dialer.latest().drop(errors.New("read tcp: connection reset by peer"))

	require.Eventually(t, func() bool {
		return len(dialer.log.snapshot()) == 4
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"sub trades:RELIANCE", "sub quotes:INFY", "sub depth:TCS", "handler INFY",
	}, dialer.log.snapshot())
	assert.Equal(t, StateOpen, m.State())
	require.Eventually(t, func() bool {
		return m.Metrics().Reconnects == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_IntentionalDisconnectSuppressesReconnect(t *testing.T) {
	m, dialer, sleeper := newTestManager(DefaultConfig())
	subscribeAll(t, m)
	require.NoError(t, m.Connect(context.Background()))
	stream := dialer.latest()

	require.NoError(t, m.Disconnect())
	// A late close from the remote after an intentional disconnect.
	stream.drop(errors.New("late close"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials())
	assert.Empty(t, sleeper.Delays())
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.Subscriptions())
}

func TestManager_ReconnectBackoffResetsOnSuccess(t *testing.T) {
	m, dialer, sleeper := newTestManager(DefaultConfig())
	subscribeAll(t, m)
	require.NoError(t, m.Connect(context.Background()))

	dialer.setFailDials(2)
	dialer.latest().drop(errors.New("unexpected EOF frame"))
	require.Eventually(t, func() bool {
		return dialer.Dials() == 4 && m.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeper.Delays())
	assert.Equal(t, insertionOrder, dialer.latest().Subscribed())

	dialer.latest().drop(errors.New("unexpected EOF frame"))
	require.Eventually(t, func() bool {
		return dialer.Dials() == 5 && m.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2*time.Second, sleeper.Delays()[3], "attempt counter restarts after a successful reopen")
}

func TestManager_ReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReconnectAttempts = 2
	m, dialer, sleeper := newTestManager(cfg)
	subscribeAll(t, m)
	require.NoError(t, m.Connect(context.Background()))

	dialer.setFailDials(100)
	dialer.latest().drop(errors.New("protocol error"))
	require.Eventually(t, func() bool {
		return m.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, dialer.Dials())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.Delays())
}

func TestManager_ReplaySkipsSubscriptionAfterRetries(t *testing.T) {
	m, dialer, sleeper := newTestManager(DefaultConfig())
	dialer.prepare = func(_ int, s *fakeStream) {
		s.failSubscribe["INFY"] = 10
	}
	subscribeAll(t, m)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []string{"trades:RELIANCE", "depth:TCS"}, dialer.latest().Subscribed())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, sleeper.Delays())
	assert.Len(t, m.Subscriptions(), 3, "a skipped entry stays in the set for the next replay")
}

func TestManager_ReplayRetriesTransientSendFailure(t *testing.T) {
	m, dialer, sleeper := newTestManager(DefaultConfig())
	dialer.prepare = func(_ int, s *fakeStream) {
		s.failSubscribe["INFY"] = 2
	}
	subscribeAll(t, m)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, insertionOrder, dialer.latest().Subscribed())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeper.Delays())
}

func TestManager_BenignCloseIsNotReported(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	var mu sync.Mutex
	var faults []error
	m.OnError(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		faults = append(faults, err)
	})
	subscribeAll(t, m)
	require.NoError(t, m.Connect(context.Background()))

	dialer.latest().drop(&websocket.CloseError{Code: websocket.CloseServiceRestart, Text: "maintenance"})
	require.Eventually(t, func() bool {
		return dialer.Dials() == 2 && m.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Empty(t, faults)
	mu.Unlock()

	dialer.latest().drop(errors.New("bad frame"))
	require.Eventually(t, func() bool {
		return dialer.Dials() == 3 && m.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, faults, 1)
	var streamErr *apperrors.StreamError
	assert.ErrorAs(t, faults[0], &streamErr)
}

func TestManager_CloseWithoutSubscriptionsGoesIdle(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	require.NoError(t, m.Connect(context.Background()))

	dialer.latest().drop(errors.New("gone"))
	require.Eventually(t, func() bool {
		return m.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dialer.Dials())
}

func TestManager_DropsEventsForUnsubscribedKeys(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	ctx := context.Background()
	got := make(chan broker.Event, 1)
	require.NoError(t, m.Subscribe(ctx, models.TopicQuotes, "INFY", func(ev broker.Event) { got <- ev }))
	require.NoError(t, m.Connect(ctx))

	stream := dialer.latest()
	stream.events <- broker.Event{Type: broker.EventTrade, Token: testTokens["INFY"], Trade: &models.Trade{Symbol: "INFY"}}
	stream.events <- broker.Event{Type: broker.EventQuote, Token: testTokens["TCS"], Quote: &models.Quote{Symbol: "TCS"}}
	stream.events <- broker.Event{Type: broker.EventQuote, Token: testTokens["INFY"], Quote: &models.Quote{Symbol: "INFY"}}

	select {
	case ev := <-got:
		assert.Equal(t, "INFY", ev.Quote.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("quote handler not invoked")
	}
	require.Eventually(t, func() bool {
		return m.Metrics().EventsDropped == 2
	}, time.Second, 5*time.Millisecond)
}

func TestManager_UnsubscribeRemovesAndSends(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	ctx := context.Background()
	subscribeAll(t, m)
	require.NoError(t, m.Connect(ctx))

	require.NoError(t, m.Unsubscribe(ctx, models.TopicQuotes, "INFY"))
	require.NoError(t, m.Unsubscribe(ctx, models.TopicQuotes, "INFY"))
	assert.Equal(t, []Key{{models.TopicTrades, "RELIANCE"}, {models.TopicDepth, "TCS"}}, m.Subscriptions())
	assert.Contains(t, dialer.log.snapshot(), "unsub quotes:INFY")
}

func TestManager_ConnectTimesOutWithoutOpenSignal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenTimeout = 20 * time.Millisecond
	m, dialer, _ := newTestManager(cfg)
	dialer.prepare = func(_ int, s *fakeStream) { s.noOpen = true }

	err := m.Connect(context.Background())
	var streamErr *apperrors.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_ConnectDialFailure(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	dialer.setFailDials(1)

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrConnectionDied)
	assert.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_DisconnectInterruptsReconnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenTimeout = time.Minute
	m, dialer, _ := newTestManager(cfg)
	subscribeAll(t, m)
	require.NoError(t, m.Connect(context.Background()))

	// Every later connection hangs before signalling open.
	dialer.mu.Lock()
	dialer.prepare = func(_ int, s *fakeStream) { s.noOpen = true }
	dialer.mu.Unlock()
	dialer.latest().drop(errors.New("read tcp: connection reset by peer"))
	require.Eventually(t, func() bool {
		return dialer.Dials() == 2
	}, 2*time.Second, 5*time.Millisecond)

	subscribed := make(chan error, 1)
	go func() {
		subscribed <- m.Subscribe(context.Background(), models.TopicQuotes, "RELIANCE", noopHandler)
	}()
	select {
	case err := <-subscribed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscribe blocked behind the pending open")
	}

	start := time.Now()
	require.NoError(t, m.Disconnect())
	assert.True(t, time.Since(start) < time.Second, "disconnect waited for the pending open")
	assert.Equal(t, StateIdle, m.State())

	pending := dialer.latest()
	require.Eventually(t, pending.isClosed, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, dialer.Dials())
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_ConnectClosesRejectedStream(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	rejected := errors.New("403 forbidden")
	dialer.prepare = func(_ int, s *fakeStream) { s.closeOnOpen = rejected }

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, rejected)
	assert.True(t, dialer.latest().isClosed())
	assert.Equal(t, StateIdle, m.State())
}

func TestManager_SymbolAliasesShareOneSubscription(t *testing.T) {
	m, dialer, _ := newTestManager(DefaultConfig())
	ctx := context.Background()
	first := make(chan broker.Event, 1)
	second := make(chan broker.Event, 1)
	require.NoError(t, m.Subscribe(ctx, models.TopicQuotes, "INFY", func(ev broker.Event) { first <- ev }))
	require.NoError(t, m.Connect(ctx))

	require.NoError(t, m.Subscribe(ctx, models.TopicQuotes, "nse:infy", func(ev broker.Event) { second <- ev }))
	assert.Equal(t, []Key{{models.TopicQuotes, "INFY"}}, m.Subscriptions())
	assert.Equal(t, []string{"quotes:INFY"}, dialer.latest().Subscribed())

	dialer.latest().events <- broker.Event{Type: broker.EventQuote, Token: testTokens["INFY"], Quote: &models.Quote{Symbol: "INFY"}}
	select {
	case ev := <-second:
		assert.Equal(t, "INFY", ev.Quote.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("latest handler not invoked")
	}
	assert.Empty(t, first)

	require.NoError(t, m.Unsubscribe(ctx, models.TopicQuotes, "INFY"))
	assert.Empty(t, m.Subscriptions())
	require.NoError(t, m.Subscribe(ctx, models.TopicQuotes, "NSE:INFY", noopHandler), "the alias was released too")
	assert.Len(t, m.Subscriptions(), 1)

	require.NoError(t, m.Unsubscribe(ctx, models.TopicQuotes, "NSE:INFY"))
	require.NoError(t, m.Subscribe(ctx, models.TopicTrades, "TCS", noopHandler))
	require.NoError(t, m.Unsubscribe(ctx, models.TopicTrades, "NSE:TCS"))
	assert.Empty(t, m.Subscriptions())
	assert.Equal(t, 2, strings.Count(strings.Join(dialer.log.snapshot(), "\n"), "unsub quotes:INFY"))
}
