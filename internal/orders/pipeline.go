// Package orders places and cancels orders with duplicate protection and a
// single reconnect-and-retry for connections that die mid-request.
package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kite-connector/internal/broker"
	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/journal"
	"kite-connector/internal/logging"
	"kite-connector/internal/models"
	"kite-connector/internal/resilience"
	"kite-connector/internal/session"
)

// Sessions is the part of session.Manager the pipeline needs.
type Sessions interface {
	EnsureReady(ctx context.Context) (*session.Session, error)
	Current(ctx context.Context) (*session.Session, error)
	Reconnect(ctx context.Context) error
}

// Config holds pipeline settings.
type Config struct {
	// DedupWindow is how long an identical order is refused after the first.
	DedupWindow time.Duration
	// RetryPause is the wait between the forced reconnect and the resubmit.
	RetryPause time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow: 2 * time.Second,
		RetryPause:  time.Second,
	}
}

// Pipeline submits orders through the session manager.
type Pipeline struct {
	sessions Sessions
	guard    *resilience.DedupGuard[models.Fingerprint]
	journal  journal.Journal
	config   Config
	logger   zerolog.Logger
	sleep    resilience.Sleeper
}

// NewPipeline creates an order pipeline. journal may be nil.
func NewPipeline(sessions Sessions, cfg Config, j journal.Journal, logger zerolog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.RetryPause < 0 {
		cfg.RetryPause = 0
	}
	if j == nil {
		j = journal.Nop{}
	}
	return &Pipeline{
		sessions: sessions,
		guard:    resilience.NewDedupGuard[models.Fingerprint](cfg.DedupWindow),
		journal:  j,
		config:   cfg,
		logger:   logging.WithComponent(logger, "orders"),
		sleep:    resilience.Sleep,
	}
}

// WithClock replaces the dedup clock and the retry sleeper. For tests.
func (p *Pipeline) WithClock(now resilience.Clock, sleep resilience.Sleeper) *Pipeline {
	p.guard.WithClock(now)
	p.sleep = sleep
	return p
}

// Validate checks req before it is fingerprinted.
func Validate(req models.OrderRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return apperrors.NewValidationError("symbol", req.Symbol, "must not be empty")
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return apperrors.NewValidationError("side", req.Side, "must be BUY or SELL")
	}
	if req.Quantity <= 0 {
		return apperrors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	switch req.Kind {
	case models.OrderKindMarket:
	case models.OrderKindLimit, models.OrderKindStop:
		if req.Price <= 0 {
			return apperrors.NewValidationError("price", req.Price, fmt.Sprintf("required for %s orders", req.Kind))
		}
	default:
		return apperrors.NewValidationError("kind", req.Kind, "must be market, limit or stop")
	}
	return nil
}

// PlaceOrder submits req. An identical request inside the dedup window is
// refused without contacting the remote service. A connection that dies
// mid-request gets one forced reconnect and one resubmit; nothing else is
// retried.
func (p *Pipeline) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderAck, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	logger := logging.WithSymbol(p.logger, req.Symbol).With().
		Str("side", string(req.Side)).
		Str("kind", string(req.Kind)).
		Int("quantity", req.Quantity).
		Logger()

	if err := Validate(req); err != nil {
		p.record(ctx, placeEntry(req, journal.OutcomeInvalid, 0, "", err))
		return nil, err
	}

	fp := req.Fingerprint()
	if !p.guard.Admit(fp) {
		err := fmt.Errorf("%w: %s", apperrors.ErrDuplicateRejected, fp)
		logger.Warn().Msg("Duplicate order rejected")
		p.record(ctx, placeEntry(req, journal.OutcomeDuplicateRejected, 0, "", err))
		return nil, err
	}

	sess, err := p.sessions.EnsureReady(ctx)
	if err != nil {
		err = &apperrors.NotReadyError{Err: err}
		logger.Error().Err(err).Msg("Order not placed")
		p.record(ctx, placeEntry(req, journal.OutcomeNotReady, 0, "", err))
		return nil, err
	}

	inst, err := sess.Resolve(ctx, req.Symbol)
	if err != nil {
		logger.Error().Err(err).Msg("Order symbol did not resolve")
		p.record(ctx, placeEntry(req, outcomeOf(err), 0, "", err))
		return nil, err
	}

	// The tag stays the same across the retry so both attempts correlate.
	if req.Tag == "" {
		req.Tag = broker.NewOrderTag()
	}

	ack, err := sess.PlaceOrder(ctx, inst, req)
	attempts := 1
	if apperrors.IsConnectionDied(err) {
		logger.Warn().Err(err).Str("tag", req.Tag).Msg("Connection died mid-order, reconnecting for one retry")
		p.record(ctx, placeEntry(req, journal.OutcomeRetried, attempts, "", err))

		attempts++
		ack, err = p.retry(ctx, "place_order", func(sess *session.Session) (*models.OrderAck, error) {
			return sess.PlaceOrder(ctx, inst, req)
		})
	}
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempts).Msg("Order failed")
		p.record(ctx, placeEntry(req, outcomeOf(err), attempts, "", err))
		return nil, err
	}

	ack.Attempts = attempts
	logging.LogOrder(logger, ack.OrderID, req.Symbol, string(req.Side), ack.Status, attempts)
	p.record(ctx, placeEntry(req, journal.OutcomeSubmitted, attempts, ack.OrderID, nil))
	return ack, nil
}

// CancelOrder cancels orderID with the same readiness check and single
// retry as PlaceOrder. Cancels are not deduplicated.
func (p *Pipeline) CancelOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	logger := logging.WithOrderID(p.logger, orderID)

	if orderID == "" {
		err := apperrors.NewValidationError("order_id", orderID, "must not be empty")
		p.record(ctx, cancelEntry(orderID, journal.OutcomeInvalid, 0, err))
		return err
	}

	sess, err := p.sessions.EnsureReady(ctx)
	if err != nil {
		err = &apperrors.NotReadyError{Err: err}
		logger.Error().Err(err).Msg("Cancel not sent")
		p.record(ctx, cancelEntry(orderID, journal.OutcomeNotReady, 0, err))
		return err
	}

	err = sess.CancelOrder(ctx, orderID)
	attempts := 1
	if apperrors.IsConnectionDied(err) {
		logger.Warn().Err(err).Msg("Connection died mid-cancel, reconnecting for one retry")
		p.record(ctx, cancelEntry(orderID, journal.OutcomeRetried, attempts, err))

		attempts++
		_, err = p.retry(ctx, "cancel_order", func(sess *session.Session) (*models.OrderAck, error) {
			return nil, sess.CancelOrder(ctx, orderID)
		})
	}
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempts).Msg("Cancel failed")
		p.record(ctx, cancelEntry(orderID, outcomeOf(err), attempts, err))
		return err
	}

	logger.Info().Int("attempts", attempts).Msg("Order cancelled")
	p.record(ctx, cancelEntry(orderID, journal.OutcomeCancelled, attempts, nil))
	return nil
}

// retry forces a full reconnect, pauses, and runs fn once on the fresh
// session. A business rejection on the resubmit is surfaced as-is; any other
// failure becomes a TransportFailure.
func (p *Pipeline) retry(ctx context.Context, op string, fn func(*session.Session) (*models.OrderAck, error)) (*models.OrderAck, error) {
	if err := p.sessions.Reconnect(ctx); err != nil {
		return nil, &apperrors.TransportFailure{Op: op, Attempts: 1, Err: err}
	}
	if err := p.sleep(ctx, p.config.RetryPause); err != nil {
		return nil, &apperrors.TransportFailure{Op: op, Attempts: 1, Err: err}
	}
	sess, err := p.sessions.Current(ctx)
	if err != nil {
		return nil, &apperrors.TransportFailure{Op: op, Attempts: 1, Err: err}
	}

	ack, err := fn(sess)
	if err == nil {
		return ack, nil
	}
	var br *apperrors.BusinessRejection
	if apperrors.As(err, &br) {
		return nil, err
	}
	return nil, &apperrors.TransportFailure{Op: op, Attempts: 2, Err: err}
}

func (p *Pipeline) record(ctx context.Context, e journal.Entry) {
	if err := p.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to journal order attempt")
	}
}

func outcomeOf(err error) journal.Outcome {
	var br *apperrors.BusinessRejection
	var tf *apperrors.TransportFailure
	switch {
	case apperrors.As(err, &br):
		return journal.OutcomeRejected
	case apperrors.As(err, &tf):
		return journal.OutcomeTransportFailure
	case apperrors.Is(err, apperrors.ErrSymbolNotFound):
		return journal.OutcomeUnknownSymbol
	case apperrors.Is(err, apperrors.ErrInputValidation):
		return journal.OutcomeInvalid
	}
	return journal.OutcomeFailed
}

func placeEntry(req models.OrderRequest, outcome journal.Outcome, attempts int, orderID string, err error) journal.Entry {
	e := journal.Entry{
		Op:       journal.OpPlace,
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Kind:     string(req.Kind),
		Quantity: req.Quantity,
		Price:    req.Price,
		Tag:      req.Tag,
		OrderID:  orderID,
		Outcome:  outcome,
		Attempts: attempts,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func cancelEntry(orderID string, outcome journal.Outcome, attempts int, err error) journal.Entry {
	e := journal.Entry{
		Op:       journal.OpCancel,
		OrderID:  orderID,
		Outcome:  outcome,
		Attempts: attempts,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
