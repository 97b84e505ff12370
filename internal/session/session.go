package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kite-connector/internal/broker"
	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/logging"
	"kite-connector/internal/models"
	"kite-connector/internal/resilience"
)

// Session is the set of transports bound to one scheduling scope. It is
// handed out by Manager.Current and Manager.EnsureReady and must not be kept
// past the call that obtained it.
type Session struct {
	Account *models.Account

	client  broker.Client
	orders  broker.OrderClient
	cache   *InstrumentCache
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	logger  zerolog.Logger

	// unmetered calls leave the breaker alone; a connect attempt is
	// recorded once as a whole by the manager.
	unmetered bool

	scopeID string
	ctx     context.Context
	cancel  context.CancelFunc
	boundAt time.Time
}

// ScopeID returns the identity of the scope the transports were created in.
func (s *Session) ScopeID() string { return s.scopeID }

// BoundAt returns when the transports were created.
func (s *Session) BoundAt() time.Time { return s.boundAt }

// discarded reports whether the transports were released.
func (s *Session) discarded() bool { return s.ctx.Err() != nil }

func (s *Session) discard() { s.cancel() }

// do runs one remote call with the per-call timeout and records its outcome
// on the shared breaker.
func (s *Session) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := s.breaker.Guard(op); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	logging.LogAPICall(s.logger, op, s.scopeID, time.Since(start), err)
	switch {
	case s.unmetered:
	case err == nil:
		s.breaker.RecordSuccess()
	case CountsAgainstBreaker(err):
		s.breaker.RecordFailure()
	}
	return err
}

// CountsAgainstBreaker reports whether err says something about the health
// of the connection. Business rejections and unknown symbols come from a
// healthy remote and do not count; neither does the breaker refusing a call.
func CountsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	var br *apperrors.BusinessRejection
	return !apperrors.As(err, &br) &&
		!apperrors.Is(err, apperrors.ErrSymbolNotFound) &&
		!apperrors.Is(err, apperrors.ErrCircuitOpen) &&
		!apperrors.Is(err, apperrors.ErrInputValidation) &&
		!apperrors.Is(err, context.Canceled)
}

// Resolve maps symbol to a tradable instrument through the session's cache.
func (s *Session) Resolve(ctx context.Context, symbol string) (models.Instrument, error) {
	return s.cache.Resolve(ctx, symbol, func(ctx context.Context, query string) ([]models.Instrument, error) {
		var found []models.Instrument
		err := s.do(ctx, "search", func(ctx context.Context) error {
			var err error
			found, err = s.client.SearchInstruments(ctx, query)
			return err
		})
		return found, err
	})
}

// GetAccountInfo fetches fresh account metadata.
func (s *Session) GetAccountInfo(ctx context.Context) (*models.Account, error) {
	var account *models.Account
	err := s.do(ctx, "account", func(ctx context.Context) error {
		var err error
		account, err = s.client.GetAccountInfo(ctx)
		return err
	})
	return account, err
}

// OpenPositions lists every non-flat position.
func (s *Session) OpenPositions(ctx context.Context) ([]models.Position, error) {
	var positions []models.Position
	err := s.do(ctx, "positions", func(ctx context.Context) error {
		var err error
		positions, err = s.client.SearchOpenPositions(ctx)
		return err
	})
	return positions, err
}

// PlaceOrder submits req for inst through the order transport.
func (s *Session) PlaceOrder(ctx context.Context, inst models.Instrument, req models.OrderRequest) (*models.OrderAck, error) {
	var ack *models.OrderAck
	err := s.do(ctx, "place_order", func(ctx context.Context) error {
		var err error
		ack, err = s.orders.PlaceOrder(ctx, inst, req)
		return err
	})
	return ack, err
}

// CancelOrder cancels an order through the order transport.
func (s *Session) CancelOrder(ctx context.Context, orderID string) error {
	return s.do(ctx, "cancel_order", func(ctx context.Context) error {
		return s.orders.CancelOrder(ctx, orderID)
	})
}

// InstrumentCache maps symbols to instruments for the life of one session.
// Entries are never invalidated; a new session starts with an empty cache.
type InstrumentCache struct {
	mu      sync.RWMutex
	entries map[string]models.Instrument
}

// NewInstrumentCache creates an empty cache.
func NewInstrumentCache() *InstrumentCache {
	return &InstrumentCache{entries: make(map[string]models.Instrument)}
}

// SearchFunc looks instruments up remotely.
type SearchFunc func(ctx context.Context, query string) ([]models.Instrument, error)

func cacheKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Resolve returns the cached instrument for symbol, searching remotely and
// caching the exact match on first use.
func (c *InstrumentCache) Resolve(ctx context.Context, symbol string, search SearchFunc) (models.Instrument, error) {
	key := cacheKey(symbol)
	if key == "" {
		return models.Instrument{}, apperrors.NewValidationError("symbol", symbol, "must not be empty")
	}

	c.mu.RLock()
	inst, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return inst, nil
	}

	found, err := search(ctx, key)
	if err != nil {
		return models.Instrument{}, err
	}
	inst, ok = exactMatch(found, key)
	if !ok {
		return models.Instrument{}, apperrors.NewUnknownSymbolError(symbol)
	}

	c.mu.Lock()
	c.entries[key] = inst
	c.mu.Unlock()
	return inst, nil
}

// Lookup returns a cached instrument without searching.
func (c *InstrumentCache) Lookup(symbol string) (models.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.entries[cacheKey(symbol)]
	return inst, ok
}

// Len returns the number of cached symbols.
func (c *InstrumentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// exactMatch picks the result whose trading symbol (and exchange, if the
// key names one) equals key. Search results may include prefix matches.
func exactMatch(found []models.Instrument, key string) (models.Instrument, bool) {
	exchange, symbol := "", key
	if exch, sym, ok := strings.Cut(key, ":"); ok {
		exchange, symbol = exch, sym
	}
	for _, inst := range found {
		if !strings.EqualFold(inst.Symbol, symbol) {
			continue
		}
		if exchange != "" && !strings.EqualFold(string(inst.Exchange), exchange) {
			continue
		}
		return inst, true
	}
	return models.Instrument{}, false
}
