// Package session owns authentication, token refresh and the binding of the
// authenticated session's transports to the caller's scheduling scope.
package session

import (
	"context"
	"fmt"
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

// ConnectionState is the externally visible state of the session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateCircuitOpen
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateCircuitOpen:
		return "CircuitOpen"
	}
	return "Unknown"
}

// Config holds session manager settings.
type Config struct {
	// MaxRetries bounds connect attempts when the caller passes 0.
	MaxRetries int
	// Backoff spaces connect attempts.
	Backoff resilience.Backoff
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	// ProbeTTL skips the readiness probes if they passed this recently.
	// Zero probes on every EnsureReady.
	ProbeTTL time.Duration
	// WarmupSymbols are resolved on connect; at least one must resolve.
	WarmupSymbols []string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		Backoff:       resilience.Backoff{Base: 2 * time.Second, Cap: 30 * time.Second},
		CallTimeout:   30 * time.Second,
		WarmupSymbols: []string{"NSE:RELIANCE"},
	}
}

// Manager authenticates, keeps the token fresh and rebinds transports to
// the caller's scope. Its operations are serialised: only one caller binds,
// probes or reconnects at a time.
type Manager struct {
	service broker.Service
	breaker *resilience.CircuitBreaker
	config  Config
	logger  zerolog.Logger
	now     resilience.Clock
	sleep   resilience.Sleeper

	state      atomic.Int32
	hasSession atomic.Bool

	mu           sync.Mutex
	cred         broker.Credential
	token        broker.Token
	session      *Session
	defaultScope *Scope
	cancelScope  context.CancelFunc
	lastProbe    time.Time
}

// NewManager creates a session manager sharing breaker with the rest of
// the connector.
func NewManager(service broker.Service, breaker *resilience.CircuitBreaker, cfg Config, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	m := &Manager{
		service: service,
		breaker: breaker,
		config:  cfg,
		logger:  logging.WithComponent(logger, "session"),
		now:     time.Now,
		sleep:   resilience.Sleep,
	}
	breaker.OnOpen(m.handleBreakerOpen)
	breaker.OnClose(m.handleBreakerClose)
	return m
}

// WithClock replaces the time source. For tests.
func (m *Manager) WithClock(now resilience.Clock, sleep resilience.Sleeper) *Manager {
	m.now = now
	m.sleep = sleep
	return m
}

// Breaker returns the shared circuit breaker.
func (m *Manager) Breaker() *resilience.CircuitBreaker { return m.breaker }

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// IsConnected reports whether the session is connected and the breaker closed.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) setState(s ConnectionState) {
	prev := ConnectionState(m.state.Swap(int32(s)))
	if prev != s {
		m.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Connection state changed")
	}
}

func (m *Manager) handleBreakerOpen(stats resilience.CircuitBreakerStats) {
	m.setState(StateCircuitOpen)
	m.logger.Error().
		Str("event", "circuit_open").
		Int("failures", stats.CurrentFailures).
		Int("threshold", stats.Threshold).
		Time("reset_at", stats.ResetAt).
		Msg("Circuit breaker opened: connector is unhealthy, failing fast")
}

func (m *Manager) handleBreakerClose(stats resilience.CircuitBreakerStats) {
	if ConnectionState(m.state.Load()) != StateCircuitOpen {
		return
	}
	if m.hasSession.Load() {
		m.setState(StateConnected)
	} else {
		m.setState(StateDisconnected)
	}
	m.logger.Info().Str("event", "circuit_closed").Msg("Circuit breaker closed")
}

// Connect authenticates with exponential backoff between attempts. Each
// attempt authenticates, fetches account metadata, binds the transports to
// the current scope and warms the instrument cache. maxRetries <= 0 uses the
// configured default.
func (m *Manager) Connect(ctx context.Context, cred broker.Credential, maxRetries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxRetries <= 0 {
		maxRetries = m.config.MaxRetries
	}
	m.teardownLocked()
	m.cred = cred
	m.defaultScope, m.cancelScope = NewScope(context.Background())
	return m.connectLocked(ctx, maxRetries)
}

func (m *Manager) connectLocked(ctx context.Context, maxRetries int) error {
	m.setState(StateConnecting)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if m.breaker.IsOpen() {
			m.setState(StateCircuitOpen)
			return apperrors.NewCircuitOpenError("connect", m.breaker.ResetAt())
		}

		attempts = attempt
		err := m.attemptLocked(ctx)
		if err == nil {
			m.breaker.RecordSuccess()
			m.setState(StateConnected)
			m.logger.Info().
				Str("user_id", m.token.UserID).
				Str("scope", m.session.scopeID).
				Int("attempt", attempt).
				Msg("Session connected")
			return nil
		}

		lastErr = err
		m.breaker.RecordFailure()
		m.logger.Warn().Err(err).Int("attempt", attempt).Int("max_retries", maxRetries).Msg("Connect attempt failed")

		if ctx.Err() != nil {
			break
		}
		if attempt < maxRetries {
			if err := m.sleep(ctx, m.config.Backoff.Delay(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	m.breaker.RecordFailure()
	if m.breaker.IsOpen() {
		m.setState(StateCircuitOpen)
	} else {
		m.setState(StateDisconnected)
	}
	m.logger.Error().Err(lastErr).Int("attempts", attempts).Msg("Connect failed")
	return apperrors.NewAuthenticationError(attempts, lastErr)
}

// attemptLocked runs one connect attempt. On failure nothing is kept.
func (m *Manager) attemptLocked(ctx context.Context) error {
	scope := m.scopeLocked(ctx)
	if scope == nil || scope.Ended() {
		return apperrors.NewStaleConnectionError("scope", apperrors.ErrScopeEnded)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	token, err := m.service.Authenticate(callCtx, m.cred)
	cancel()
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	m.token = token

	sess, err := m.bindLocked(scope, NewInstrumentCache())
	if err != nil {
		return err
	}
	sess.unmetered = true

	account, err := sess.GetAccountInfo(ctx)
	if err != nil {
		sess.discard()
		return fmt.Errorf("account: %w", err)
	}
	sess.Account = account

	if err := m.warmLocked(ctx, sess); err != nil {
		sess.discard()
		return err
	}

	sess.unmetered = false
	m.session = sess
	m.hasSession.Store(true)
	m.lastProbe = m.now()
	return nil
}

func (m *Manager) warmLocked(ctx context.Context, sess *Session) error {
	if len(m.config.WarmupSymbols) == 0 {
		return nil
	}
	var lastErr error
	for _, symbol := range m.config.WarmupSymbols {
		if _, err := sess.Resolve(ctx, symbol); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("warm instrument cache: %w", lastErr)
}

// bindLocked creates the request and order transports under scope. They are
// released when scope ends or the session is discarded.
func (m *Manager) bindLocked(scope *Scope, cache *InstrumentCache) (*Session, error) {
	ctx, cancel := context.WithCancel(scope.Context())

	client, err := m.service.NewClient(ctx, m.cred, m.token)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request transport: %w", err)
	}
	orders, err := m.service.NewOrderClient(ctx, m.cred, m.token)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("order transport: %w", err)
	}

	return &Session{
		client:  client,
		orders:  orders,
		cache:   cache,
		breaker: m.breaker,
		timeout: m.config.CallTimeout,
		logger:  m.logger,
		scopeID: scope.ID(),
		ctx:     ctx,
		cancel:  cancel,
		boundAt: m.now(),
	}, nil
}

// scopeLocked returns the caller's scope, or the manager's own when the
// caller does not manage scopes.
func (m *Manager) scopeLocked(ctx context.Context) *Scope {
	if s := ScopeFromContext(ctx); s != nil {
		return s
	}
	return m.defaultScope
}

// Current returns the session rebound to the caller's scope if needed,
// without probing it.
func (m *Manager) Current(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.breaker.Guard("session"); err != nil {
		return nil, err
	}
	if m.session == nil {
		return nil, apperrors.ErrNotConnected
	}
	if err := m.rebindLocked(ctx); err != nil {
		return nil, err
	}
	return m.session, nil
}

// EnsureReady is called before every sensitive operation. It rebinds the
// transports if the caller's scope changed, then probes the read path and
// the write path. Any failure triggers one full reconnect before it is
// surfaced.
func (m *Manager) EnsureReady(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.breaker.Guard("ensure_ready"); err != nil {
		return nil, err
	}
	if m.session == nil && m.cred == (broker.Credential{}) {
		return nil, apperrors.ErrNotConnected
	}
	if scope := m.scopeLocked(ctx); scope == nil || scope.Ended() {
		return nil, apperrors.NewStaleConnectionError("scope", apperrors.ErrScopeEnded)
	}

	err := apperrors.ErrNotConnected
	if m.session != nil {
		err = m.readyLocked(ctx)
		if err == nil {
			return m.session, nil
		}
	}

	m.logger.Warn().Err(err).Msg("Session not ready, reconnecting")
	if rerr := m.reconnectLocked(ctx); rerr != nil {
		return nil, rerr
	}
	return m.session, nil
}

func (m *Manager) readyLocked(ctx context.Context) error {
	if err := m.rebindLocked(ctx); err != nil {
		return err
	}
	if m.config.ProbeTTL > 0 && m.now().Sub(m.lastProbe) < m.config.ProbeTTL {
		return nil
	}

	sess := m.session
	if err := sess.do(ctx, "read_probe", sess.client.Ping); err != nil {
		return apperrors.NewStaleConnectionError("read", err)
	}

	var token broker.Token
	err := sess.do(ctx, "write_probe", func(ctx context.Context) error {
		var err error
		token, err = sess.orders.RefreshToken(ctx, m.token)
		return err
	})
	if err != nil {
		return apperrors.NewStaleConnectionError("write", err)
	}
	if token.AccessToken != "" && token.AccessToken != m.token.AccessToken {
		m.logger.Info().Msg("Access token refreshed")
	}
	if token.AccessToken != "" {
		m.token = token
	}
	m.lastProbe = m.now()
	return nil
}

// rebindLocked discards and recreates the transports when the caller's
// scope differs from the one they were created in, or when the token has
// expired. A still-valid token is reused.
func (m *Manager) rebindLocked(ctx context.Context) error {
	scope := m.scopeLocked(ctx)
	if scope == nil || scope.Ended() {
		return apperrors.NewStaleConnectionError("scope", apperrors.ErrScopeEnded)
	}

	sess := m.session
	tokenValid := m.token.Valid(m.now())
	if sess.scopeID == scope.ID() && !sess.discarded() && tokenValid {
		return nil
	}

	if !tokenValid {
		callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		token, err := m.service.Authenticate(callCtx, m.cred)
		cancel()
		if err != nil {
			m.breaker.RecordFailure()
			return fmt.Errorf("re-authenticate: %w", err)
		}
		m.token = token
		m.logger.Info().Msg("Token expired, re-authenticated")
	}

	fresh, err := m.bindLocked(scope, sess.cache)
	if err != nil {
		m.breaker.RecordFailure()
		return err
	}
	fresh.Account = sess.Account
	sess.discard()
	m.session = fresh
	m.lastProbe = time.Time{}

	m.logger.Info().
		Str("from_scope", sess.scopeID).
		Str("to_scope", scope.ID()).
		Msg("Rebound session transports to current scope")
	return nil
}

// Reconnect forces a full reconnect: new token, new transports and a fresh
// instrument cache.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectLocked(ctx)
}

func (m *Manager) reconnectLocked(ctx context.Context) error {
	if m.cred == (broker.Credential{}) {
		return apperrors.ErrNotConnected
	}
	m.discardSessionLocked()
	if m.defaultScope == nil || m.defaultScope.Ended() {
		m.defaultScope, m.cancelScope = NewScope(context.Background())
	}
	return m.connectLocked(ctx, m.config.MaxRetries)
}

// Probe runs the read-path probe on the current session without rebinding
// or reconnecting. It is meant for background health checks.
func (m *Manager) Probe(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess == nil {
		return apperrors.ErrNotConnected
	}
	return sess.do(ctx, "health_probe", sess.client.Ping)
}

// Dial creates a push-data connection bound to the caller's scope with the
// current token.
func (m *Manager) Dial(ctx context.Context) (broker.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.breaker.Guard("stream_dial"); err != nil {
		return nil, err
	}
	if m.session == nil {
		return nil, apperrors.ErrNotConnected
	}
	if err := m.rebindLocked(ctx); err != nil {
		return nil, err
	}
	scope := m.scopeLocked(ctx)
	stream, err := m.service.NewStream(scope.Context(), m.cred, m.token)
	if err != nil {
		m.breaker.RecordFailure()
		return nil, apperrors.NewStreamError("dial", err)
	}
	return stream, nil
}

// Resolve maps symbol to an instrument through the current session's cache.
func (m *Manager) Resolve(ctx context.Context, symbol string) (models.Instrument, error) {
	sess, err := m.Current(ctx)
	if err != nil {
		return models.Instrument{}, err
	}
	return sess.Resolve(ctx, symbol)
}

// Disconnect releases the session and forgets the credential.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.logger.Info().Msg("Session disconnected")
}

func (m *Manager) teardownLocked() {
	m.discardSessionLocked()
	if m.cancelScope != nil {
		m.cancelScope()
	}
	m.defaultScope, m.cancelScope = nil, nil
	m.cred = broker.Credential{}
	m.token = broker.Token{}
	m.setState(StateDisconnected)
}

func (m *Manager) discardSessionLocked() {
	if m.session != nil {
		m.session.discard()
	}
	m.session = nil
	m.hasSession.Store(false)
}

// Token returns the current bearer token.
func (m *Manager) Token() broker.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}
