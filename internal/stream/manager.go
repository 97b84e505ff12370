// Package stream keeps push-data subscriptions alive across connection drops.
package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kite-connector/internal/broker"
	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/logging"
	"kite-connector/internal/models"
	"kite-connector/internal/resilience"
)

// State is the lifecycle state of the push-data connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateReconnecting:
		return "Reconnecting"
	}
	return "Unknown"
}

// Dialer creates push-data connections and resolves symbols. It is
// implemented by session.Manager.
type Dialer interface {
	Dial(ctx context.Context) (broker.Stream, error)
	Resolve(ctx context.Context, symbol string) (models.Instrument, error)
}

// Handler receives the data events of one subscription.
type Handler func(ev broker.Event)

// Key identifies a subscription.
type Key struct {
	Kind   models.TopicKind
	Symbol string
}

func (k Key) String() string { return string(k.Kind) + ":" + k.Symbol }

type subscription struct {
	key     Key
	inst    models.Instrument
	handler Handler
}

type route struct {
	kind  models.TopicKind
	token uint32
}

// Config holds subscription manager settings.
type Config struct {
	// Reconnect spaces reconnect attempts after an unexpected close.
	Reconnect resilience.Backoff
	// MaxReconnectAttempts gives up after this many consecutive failed
	// reconnects. Zero never gives up.
	MaxReconnectAttempts int
	// ReplayRetries is how many times one subscription is re-sent before
	// the replay moves on without it.
	ReplayRetries int
	ReplayBackoff resilience.Backoff
	// OpenTimeout bounds the wait for the open signal.
	OpenTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Reconnect:            resilience.Backoff{Base: 2 * time.Second, Cap: 30 * time.Second},
		MaxReconnectAttempts: 10,
		ReplayRetries:        3,
		ReplayBackoff:        resilience.Backoff{Base: 500 * time.Millisecond, Cap: 2 * time.Second},
		OpenTimeout:          30 * time.Second,
	}
}

// Metrics counts events seen by the manager.
type Metrics struct {
	EventsReceived   uint64
	EventsDispatched uint64
	EventsDropped    uint64
	Reconnects       uint64
	Subscriptions    int
}

// Manager owns the subscription set and the push-data connection. The set
// is kept in insertion order and replayed in full on every open.
type Manager struct {
	dialer  Dialer
	config  Config
	logger  zerolog.Logger
	sleep   resilience.Sleeper
	onError func(error)

	state       atomic.Int32
	intentional atomic.Bool

	// openMu serializes Connect and reconnect attempts. Dialling and the
	// wait for the open signal happen under openMu only.
	openMu sync.Mutex

	// loopMu guards the current connection loop. It is never held
	// across I/O.
	loopMu     sync.Mutex
	loopCtx    context.Context
	cancelLoop context.CancelFunc

	mu      sync.Mutex
	stream  broker.Stream
	gen     uint64
	subs    []*subscription
	index   map[Key]*subscription
	routes  map[route]*subscription
	attempt int

	received   atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

// NewManager creates a subscription manager.
func NewManager(dialer Dialer, cfg Config, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = def.Reconnect
	}
	if cfg.ReplayRetries < 0 {
		cfg.ReplayRetries = 0
	}
	if cfg.ReplayBackoff.Base <= 0 {
		cfg.ReplayBackoff = def.ReplayBackoff
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &Manager{
		dialer: dialer,
		config: cfg,
		logger: logging.WithComponent(logger, "stream"),
		sleep:  resilience.Sleep,
		index:  make(map[Key]*subscription),
		routes: make(map[route]*subscription),
	}
}

// WithSleeper replaces the sleeper used between retries. For tests.
func (m *Manager) WithSleeper(sleep resilience.Sleeper) *Manager {
	m.sleep = sleep
	return m
}

// OnError registers fn for stream faults. Benign closes are not reported.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Stream state changed")
	}
}

// Subscriptions returns the subscription set in insertion order.
func (m *Manager) Subscriptions() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]Key, len(m.subs))
	for i, sub := range m.subs {
		keys[i] = sub.key
	}
	return keys
}

// Metrics returns event counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	n := len(m.subs)
	m.mu.Unlock()
	return Metrics{
		EventsReceived:   m.received.Load(),
		EventsDispatched: m.dispatched.Load(),
		EventsDropped:    m.dropped.Load(),
		Reconnects:       m.reconnects.Load(),
		Subscriptions:    n,
	}
}

// Connect opens the push-data connection, waits for it to signal open and
// replays the subscription set. Connecting an open manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	if m.State() == StateOpen {
		return nil
	}
	m.intentional.Store(false)
	loopCtx := m.restartLoop(ctx)
	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()

	m.setState(StateConnecting)
	if err := m.open(ctx, loopCtx); err != nil {
		m.setState(StateIdle)
		m.logger.Error().Err(err).Msg("Stream connect failed")
		return err
	}
	return nil
}

// restartLoop cancels the previous connection loop and starts a new one.
// The loop outlives the call that started it but keeps its scope.
func (m *Manager) restartLoop(ctx context.Context) context.Context {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancelLoop != nil {
		m.cancelLoop()
	}
	m.loopCtx, m.cancelLoop = context.WithCancel(context.WithoutCancel(ctx))
	return m.loopCtx
}

func (m *Manager) currentLoop() context.Context {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.loopCtx
}

func (m *Manager) stopLoop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancelLoop != nil {
		m.cancelLoop()
	}
}

// open dials and waits for the open signal without holding m.mu, then
// replays the subscription set and only then starts delivering data to
// handlers. Ending loopCtx aborts it at any point. The caller holds openMu.
func (m *Manager) open(ctx, loopCtx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(loopCtx, cancel)
	defer stop()

	stream, err := m.dialer.Dial(loopCtx)
	if err != nil {
		return apperrors.NewStreamError("dial", err)
	}
	if err := stream.Open(ctx); err != nil {
		stream.Close()
		return apperrors.NewStreamError("open", err)
	}
	if err := m.awaitOpen(ctx, stream); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.intentional.Load() || ctx.Err() != nil {
		stream.Close()
		return apperrors.NewStreamError("open", context.Canceled)
	}
	sent := m.replayLocked(ctx, stream)
	if m.intentional.Load() || ctx.Err() != nil {
		stream.Close()
		return apperrors.NewStreamError("replay", context.Canceled)
	}

	m.gen++
	m.stream = stream
	m.setState(StateOpen)
	go m.pump(loopCtx, stream, m.gen)

	m.logger.Info().
		Int("subscriptions", len(m.subs)).
		Int("replayed", sent).
		Msg("Stream open")
	return nil
}

// awaitOpen waits for the open signal. The stream is closed on every
// failure.
func (m *Manager) awaitOpen(ctx context.Context, stream broker.Stream) error {
	timer := time.NewTimer(m.config.OpenTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				stream.Close()
				return apperrors.NewStreamError("open", apperrors.ErrStreamClosed)
			}
			switch ev.Type {
			case broker.EventOpen:
				return nil
			case broker.EventClosed:
				stream.Close()
				err := ev.Err
				if err == nil {
					err = apperrors.ErrStreamClosed
				}
				return apperrors.NewStreamError("open", err)
			case broker.EventError:
				m.logger.Warn().Err(ev.Err).Msg("Stream error before open")
			}
		case <-timer.C:
			stream.Close()
			return apperrors.NewStreamError("open", apperrors.ErrTimeout)
		case <-ctx.Done():
			stream.Close()
			return apperrors.NewStreamError("open", ctx.Err())
		}
	}
}

// replayLocked re-sends every subscription in insertion order. A
// subscription that keeps failing is skipped so the rest still go out.
func (m *Manager) replayLocked(ctx context.Context, stream broker.Stream) int {
	sent := 0
	for _, sub := range m.subs {
		err := resilience.Retry(ctx, m.config.ReplayRetries, m.config.ReplayBackoff, m.sleep, func(ctx context.Context) error {
			return stream.Subscribe(ctx, sub.key.Kind, sub.inst)
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("subscription", sub.key.String()).Msg("Replay failed, skipping subscription")
			continue
		}
		sent++
	}
	return sent
}

// pump delivers one connection's events until it closes.
func (m *Manager) pump(ctx context.Context, stream broker.Stream, gen uint64) {
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.handleClosed(gen, apperrors.ErrStreamClosed)
				return
			}
			switch ev.Type {
			case broker.EventClosed:
				m.handleClosed(gen, ev.Err)
				return
			case broker.EventError:
				m.reportFault(ev.Err, "Stream error")
			case broker.EventOpen:
			default:
				m.dispatch(ev)
			}
		}
	}
}

func (m *Manager) dispatch(ev broker.Event) {
	m.received.Add(1)
	kind, ok := ev.Kind()
	if !ok {
		return
	}

	m.mu.Lock()
	sub := m.routes[route{kind: kind, token: ev.Token}]
	var handler Handler
	if sub != nil {
		handler = sub.handler
	}
	m.mu.Unlock()

	if handler == nil {
		m.dropped.Add(1)
		return
	}
	handler(ev)
	m.dispatched.Add(1)
}

func (m *Manager) reportFault(err error, msg string) {
	if broker.IsBenignClose(err) {
		m.logger.Debug().Err(err).Msg(msg + " (remote closed)")
		return
	}
	m.logger.Error().Err(err).Msg(msg)

	m.mu.Lock()
	fn := m.onError
	m.mu.Unlock()
	if fn != nil {
		fn(apperrors.NewStreamError("read", err))
	}
}

func (m *Manager) handleClosed(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.stream = nil

	if m.intentional.Load() {
		m.setState(StateIdle)
		m.mu.Unlock()
		m.logger.Info().Msg("Stream closed after disconnect")
		return
	}
	if broker.IsBenignClose(err) {
		m.logger.Info().Err(err).Msg("Stream closed by remote")
	}
	if len(m.subs) == 0 {
		m.setState(StateIdle)
		m.mu.Unlock()
		return
	}
	m.setState(StateReconnecting)
	m.mu.Unlock()
	ctx := m.currentLoop()

	if !broker.IsBenignClose(err) {
		m.reportFault(err, "Stream closed unexpectedly")
	}
	go m.reconnectLoop(ctx)
}

// reconnectLoop reopens the connection with backoff until it succeeds, the
// manager is disconnected or the attempt budget is spent. Only the close
// of the current connection starts one, so at most one runs at a time.
func (m *Manager) reconnectLoop(ctx context.Context) {
	for {
		if m.intentional.Load() || ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		if m.config.MaxReconnectAttempts > 0 && attempt > m.config.MaxReconnectAttempts {
			m.setState(StateIdle)
			m.mu.Unlock()
			m.logger.Error().Int("attempts", attempt-1).Msg("Stream reconnect gave up")
			return
		}
		m.mu.Unlock()

		delay := m.config.Reconnect.Delay(attempt)
		m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Stream reconnecting")
		if err := m.sleep(ctx, delay); err != nil {
			return
		}

		m.openMu.Lock()
		if m.intentional.Load() || ctx.Err() != nil || m.State() == StateOpen {
			m.openMu.Unlock()
			return
		}
		err := m.open(ctx, ctx)
		m.openMu.Unlock()
		if err == nil {
			m.mu.Lock()
			m.attempt = 0
			m.mu.Unlock()
			m.reconnects.Add(1)
			return
		}
		if m.intentional.Load() || ctx.Err() != nil {
			return
		}

		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("Stream reconnect failed")
		if apperrors.Is(err, apperrors.ErrScopeEnded) {
			m.setState(StateIdle)
			m.logger.Error().Err(err).Msg("Stream scope ended, not reconnecting")
			return
		}
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Subscribe adds (kind, symbol) to the subscription set. If the connection
// is open the subscribe command is sent now; otherwise it goes out with the
// next replay. Subscribing an existing key replaces its handler. A symbol
// that resolves to an instrument already subscribed for kind, such as
// "NSE:INFY" after "INFY", names that same subscription.
func (m *Manager) Subscribe(ctx context.Context, kind models.TopicKind, symbol string, handler Handler) error {
	if !kind.Valid() {
		return apperrors.NewValidationError("kind", kind, "unknown topic kind")
	}
	if handler == nil {
		return apperrors.NewValidationError("handler", nil, "must not be nil")
	}
	key := Key{Kind: kind, Symbol: normalizeSymbol(symbol)}
	if key.Symbol == "" {
		return apperrors.NewValidationError("symbol", symbol, "must not be empty")
	}

	inst, err := m.dialer.Resolve(ctx, key.Symbol)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.index[key]; ok {
		sub.handler = handler
		return nil
	}
	if sub, ok := m.routes[route{kind: kind, token: inst.Token}]; ok {
		m.index[key] = sub
		sub.handler = handler
		m.logger.Debug().Str("subscription", sub.key.String()).Str("alias", key.Symbol).Msg("Subscribed under another name")
		return nil
	}
	sub := &subscription{key: key, inst: inst, handler: handler}

	if m.State() == StateOpen && m.stream != nil {
		if err := m.stream.Subscribe(ctx, kind, inst); err != nil {
			return apperrors.NewStreamError("subscribe", err)
		}
	}
	m.subs = append(m.subs, sub)
	m.index[key] = sub
	m.routes[route{kind: kind, token: inst.Token}] = sub
	m.logger.Debug().Str("subscription", key.String()).Msg("Subscribed")
	return nil
}

// Unsubscribe removes (kind, symbol) from the subscription set, along with
// every other name it was subscribed under. Removing an unknown key is a
// no-op.
func (m *Manager) Unsubscribe(ctx context.Context, kind models.TopicKind, symbol string) error {
	key := Key{Kind: kind, Symbol: normalizeSymbol(symbol)}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.index[key]
	if !ok {
		sub = m.byInstrumentLocked(kind, key.Symbol)
	}
	if sub == nil {
		return nil
	}
	for k, s := range m.index {
		if s == sub {
			delete(m.index, k)
		}
	}
	delete(m.routes, route{kind: kind, token: sub.inst.Token})
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}

	if m.State() == StateOpen && m.stream != nil {
		if err := m.stream.Unsubscribe(ctx, kind, sub.inst); err != nil {
			return apperrors.NewStreamError("unsubscribe", err)
		}
	}
	return nil
}

func (m *Manager) byInstrumentLocked(kind models.TopicKind, id string) *subscription {
	for _, sub := range m.subs {
		if sub.key.Kind == kind && sub.inst.ID == id {
			return sub
		}
	}
	return nil
}

// Disconnect closes the connection on purpose and clears the subscription
// set. A close reported afterwards never triggers a reconnect.
func (m *Manager) Disconnect() error {
	m.intentional.Store(true)
	m.stopLoop()

	m.mu.Lock()
	m.setState(StateClosing)
	stream := m.stream
	m.subs = nil
	m.index = make(map[Key]*subscription)
	m.routes = make(map[route]*subscription)
	m.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}

	m.mu.Lock()
	m.stream = nil
	m.setState(StateIdle)
	m.mu.Unlock()
	m.logger.Info().Msg("Stream disconnected")
	return err
}
