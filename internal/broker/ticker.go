package broker

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/models"
)

const streamEventBuffer = 256

// kiteStream is one Kite ticker connection. The SDK's own reconnect is
// disabled; reconnecting and replaying subscriptions is the caller's job.
type kiteStream struct {
	scope  context.Context
	ticker *kiteticker.Ticker
	now    func() time.Time
	logger zerolog.Logger

	events chan Event
	done   chan struct{}
	serve  context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	opened      bool
	closed      bool
	kinds       map[uint32]map[models.TopicKind]struct{}
	instruments map[uint32]models.Instrument
	volumes     map[uint32]int64

	writeMu sync.Mutex // Protects websocket writes (Subscribe, SetMode)
}

func newKiteStream(scope context.Context, apiKey, accessToken string, now func() time.Time, logger zerolog.Logger) *kiteStream {
	serve, cancel := context.WithCancel(scope)
	s := &kiteStream{
		scope:       scope,
		ticker:      kiteticker.New(apiKey, accessToken),
		now:         now,
		logger:      logger.With().Str("transport", "ticker").Logger(),
		events:      make(chan Event, streamEventBuffer),
		done:        make(chan struct{}),
		serve:       serve,
		cancel:      cancel,
		kinds:       make(map[uint32]map[models.TopicKind]struct{}),
		instruments: make(map[uint32]models.Instrument),
		volumes:     make(map[uint32]int64),
	}
	s.ticker.SetAutoReconnect(false)

	s.ticker.OnConnect(s.handleConnect)
	s.ticker.OnClose(func(code int, reason string) {
		s.finish(&websocket.CloseError{Code: code, Text: reason})
	})
	s.ticker.OnError(s.handleError)
	s.ticker.OnTick(s.handleTick)
	return s
}

// Open implements Stream.
func (s *kiteStream) Open(ctx context.Context) error {
	if s.scope.Err() != nil {
		return apperrors.NewStaleConnectionError("stream", apperrors.ErrScopeEnded)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return apperrors.NewStreamError("open", apperrors.ErrStreamClosed)
	}

	go func() {
		s.ticker.ServeWithContext(s.serve)
		s.finish(apperrors.ErrStreamClosed)
	}()
	return nil
}

func (s *kiteStream) Events() <-chan Event {
	return s.events
}

// Close implements Stream. The EventClosed is delivered asynchronously.
func (s *kiteStream) Close() error {
	s.mu.Lock()
	opened := s.opened && !s.closed
	s.mu.Unlock()

	if opened {
		s.writeMu.Lock()
		s.ticker.Close()
		s.writeMu.Unlock()
	}
	go s.finish(nil)
	return nil
}

func (s *kiteStream) Subscribe(ctx context.Context, kind models.TopicKind, inst models.Instrument) error {
	s.mu.Lock()
	if err := s.usableLocked("subscribe"); err != nil {
		s.mu.Unlock()
		return err
	}
	kinds := s.kinds[inst.Token]
	if kinds == nil {
		kinds = make(map[models.TopicKind]struct{})
		s.kinds[inst.Token] = kinds
	}
	_, had := kinds[kind]
	kinds[kind] = struct{}{}
	s.instruments[inst.Token] = inst
	mode := tickerMode(kinds)
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tokens := []uint32{inst.Token}
	err := s.ticker.Subscribe(tokens)
	if err == nil {
		err = s.ticker.SetMode(mode, tokens)
	}
	if err != nil {
		if !had {
			s.mu.Lock()
			delete(kinds, kind)
			s.mu.Unlock()
		}
		return apperrors.NewStreamError("subscribe", err)
	}
	return nil
}

func (s *kiteStream) Unsubscribe(ctx context.Context, kind models.TopicKind, inst models.Instrument) error {
	s.mu.Lock()
	if err := s.usableLocked("unsubscribe"); err != nil {
		s.mu.Unlock()
		return err
	}
	kinds := s.kinds[inst.Token]
	delete(kinds, kind)
	remaining := len(kinds)
	mode := tickerMode(kinds)
	if remaining == 0 {
		delete(s.kinds, inst.Token)
		delete(s.instruments, inst.Token)
		delete(s.volumes, inst.Token)
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tokens := []uint32{inst.Token}
	var err error
	if remaining == 0 {
		err = s.ticker.Unsubscribe(tokens)
	} else {
		err = s.ticker.SetMode(mode, tokens)
	}
	if err != nil {
		return apperrors.NewStreamError("unsubscribe", err)
	}
	return nil
}

func (s *kiteStream) usableLocked(op string) error {
	if s.closed {
		return apperrors.NewStreamError(op, apperrors.ErrStreamClosed)
	}
	if !s.opened {
		return apperrors.NewStreamError(op, apperrors.ErrNotConnected)
	}
	return nil
}

// tickerMode picks the cheapest Kite mode carrying every requested kind.
// Quotes and depth need the order book, only full mode has it.
func tickerMode(kinds map[models.TopicKind]struct{}) kiteticker.Mode {
	_, quotes := kinds[models.TopicQuotes]
	_, depth := kinds[models.TopicDepth]
	if quotes || depth {
		return kiteticker.ModeFull
	}
	return kiteticker.ModeQuote
}

func (s *kiteStream) handleConnect() {
	s.mu.Lock()
	if s.closed || s.opened {
		s.mu.Unlock()
		return
	}
	s.opened = true
	s.mu.Unlock()

	s.logger.Debug().Msg("Ticker connected")
	s.emit(Event{Type: EventOpen})
}

func (s *kiteStream) handleError(err error) {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()

	// Before open, or once reading has failed, the connection is gone.
	if !opened || isReadFailure(err) {
		s.finish(err)
		return
	}
	s.emit(Event{Type: EventError, Err: err})
}

func (s *kiteStream) handleTick(tick kitemodels.Tick) {
	s.mu.Lock()
	inst, ok := s.instruments[tick.InstrumentToken]
	kinds := make([]models.TopicKind, 0, 3)
	for k := range s.kinds[tick.InstrumentToken] {
		kinds = append(kinds, k)
	}
	prevVolume, seen := s.volumes[tick.InstrumentToken]
	volume := int64(tick.VolumeTraded)
	s.volumes[tick.InstrumentToken] = volume
	s.mu.Unlock()

	if !ok {
		return
	}

	now := s.now()
	for _, kind := range kinds {
		switch kind {
		case models.TopicQuotes:
			s.emit(Event{Type: EventQuote, Token: tick.InstrumentToken, Quote: quoteFromTick(tick, inst, now)})
		case models.TopicDepth:
			s.emit(Event{Type: EventDepth, Token: tick.InstrumentToken, Depth: depthFromTick(tick, inst, now)})
		case models.TopicTrades:
			if !seen || volume != prevVolume {
				s.emit(Event{Type: EventTrade, Token: tick.InstrumentToken, Trade: tradeFromTick(tick, inst, now)})
			}
		}
	}
}

func (s *kiteStream) emit(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	case <-s.scope.Done():
	}
}

// finish delivers the single EventClosed and stops the serve loop.
func (s *kiteStream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err != nil && !errors.Is(err, apperrors.ErrStreamClosed) {
		s.logger.Debug().Err(err).Bool("benign", IsBenignClose(err)).Msg("Ticker closed")
	}
	select {
	case s.events <- Event{Type: EventClosed, Err: err}:
	case <-s.scope.Done():
	}
	close(s.done)
}

func isReadFailure(err error) bool {
	var ce *websocket.CloseError
	var netErr net.Error
	if errors.As(err, &ce) || errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "reading data") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof")
}

var _ Stream = (*kiteStream)(nil)
