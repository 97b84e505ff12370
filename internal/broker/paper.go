package broker

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/models"
)

// PaperInstrument seeds the paper service with a tradable instrument.
type PaperInstrument struct {
	Instrument models.Instrument
	Price      float64
}

// PaperConfig holds configuration for the paper service.
type PaperConfig struct {
	InitialBalance float64
	// TickInterval is how often the synthetic stream publishes.
	TickInterval time.Duration
	Instruments  []PaperInstrument
	Seed         int64
}

// DefaultPaperInstruments is a small NSE/NFO universe.
func DefaultPaperInstruments() []PaperInstrument {
	mk := func(token uint32, exch models.Exchange, symbol, name string, lot int, price float64) PaperInstrument {
		return PaperInstrument{
			Instrument: models.Instrument{
				ID:        InstrumentID(exch, symbol),
				Token:     token,
				Symbol:    symbol,
				Name:      name,
				Exchange:  exch,
				Segment:   string(exch),
				LotSize:   lot,
				TickSize:  0.05,
				InstrType: "EQ",
			},
			Price: price,
		}
	}
	return []PaperInstrument{
		mk(738561, models.NSE, "RELIANCE", "RELIANCE INDUSTRIES", 1, 2450),
		mk(408065, models.NSE, "INFY", "INFOSYS", 1, 1520),
		mk(2953217, models.NSE, "TCS", "TATA CONSULTANCY SERV", 1, 3900),
		mk(341249, models.NSE, "HDFCBANK", "HDFC BANK", 1, 1610),
		mk(1270529, models.NSE, "ICICIBANK", "ICICI BANK", 1, 1080),
		mk(779521, models.NSE, "SBIN", "STATE BANK OF INDIA", 1, 780),
	}
}

// PaperService implements Service entirely in memory. Market orders fill at
// the last price; limit and stop orders fill only when the price allows.
type PaperService struct {
	config PaperConfig
	now    func() time.Time

	mu           sync.Mutex
	rng          *rand.Rand
	instruments  []models.Instrument
	prices       map[uint32]float64
	tokens       map[string]Token
	cash         float64
	positions    map[string]*models.Position
	orders       map[string]*models.Order
	orderCounter int
	streams      map[*paperStream]struct{}
	faults       map[string][]error
	calls        map[string]int
}

// NewPaperService creates a new paper service.
func NewPaperService(cfg PaperConfig) *PaperService {
	if cfg.InitialBalance == 0 {
		cfg.InitialBalance = 1000000 // 10 lakhs default
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if len(cfg.Instruments) == 0 {
		cfg.Instruments = DefaultPaperInstruments()
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	p := &PaperService{
		config:    cfg,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		prices:    make(map[uint32]float64),
		tokens:    make(map[string]Token),
		cash:      cfg.InitialBalance,
		positions: make(map[string]*models.Position),
		orders:    make(map[string]*models.Order),
		streams:   make(map[*paperStream]struct{}),
		faults:    make(map[string][]error),
		calls:     make(map[string]int),
	}
	for _, pi := range cfg.Instruments {
		p.instruments = append(p.instruments, pi.Instrument)
		p.prices[pi.Instrument.Token] = pi.Price
	}
	return p
}

// FailNext makes the next call of op fail with err. Ops are "authenticate",
// "account", "search", "positions", "ping", "place_order", "cancel_order",
// "refresh", "stream_open" and "subscribe". Faults queue in order.
func (p *PaperService) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], err)
}

// Calls returns how many times op reached the service. Ops are named as
// for FailNext.
func (p *PaperService) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *PaperService) faultLocked(op string) error {
	p.calls[op]++
	queue := p.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	p.faults[op] = queue[1:]
	return err
}

// ExpireTokens revokes every issued token, as Kite does at 06:00 IST.
func (p *PaperService) ExpireTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = make(map[string]Token)
}

// DropStreams closes every live stream from the remote side with err.
func (p *PaperService) DropStreams(err error) {
	p.mu.Lock()
	streams := make([]*paperStream, 0, len(p.streams))
	for s := range p.streams {
		streams = append(streams, s)
	}
	p.mu.Unlock()

	for _, s := range streams {
		s.finish(err)
	}
}

// SetPrice moves the last price of a symbol ("EXCH:SYMBOL" or bare NSE).
func (p *PaperService) SetPrice(symbol string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.lookupLocked(symbol)
	if !ok {
		return apperrors.NewUnknownSymbolError(symbol)
	}
	p.prices[inst.Token] = price
	return nil
}

// Orders returns a snapshot of every paper order.
func (p *PaperService) Orders() []models.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		orders = append(orders, *o)
	}
	return orders
}

func (p *PaperService) lookupLocked(symbol string) (models.Instrument, bool) {
	exch, sym := ParseSymbol(symbol, models.NSE)
	for _, inst := range p.instruments {
		if inst.Exchange == exch && inst.Symbol == sym {
			return inst, true
		}
	}
	return models.Instrument{}, false
}

func (p *PaperService) checkLocked(scope context.Context, token Token, op string) error {
	if scope.Err() != nil {
		return apperrors.NewStaleConnectionError(op, apperrors.ErrScopeEnded)
	}
	if err := p.faultLocked(op); err != nil {
		return err
	}
	if _, ok := p.tokens[token.AccessToken]; !ok {
		return fmt.Errorf("%s: %w", op, apperrors.ErrSessionExpired)
	}
	return nil
}

// Authenticate implements Service.
func (p *PaperService) Authenticate(ctx context.Context, cred Credential) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.faultLocked("authenticate"); err != nil {
		return Token{}, err
	}
	if cred.UserID == "" && cred.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: paper login needs a user id", apperrors.ErrInvalidCredentials)
	}
	userID := cred.UserID
	if userID == "" {
		userID = "PAPER"
	}
	token := Token{
		AccessToken: "paper-" + uuid.NewString(),
		UserID:      userID,
		ExpiresAt:   p.now().Add(24 * time.Hour),
	}
	p.tokens[token.AccessToken] = token
	return token, nil
}

// NewClient implements Service.
func (p *PaperService) NewClient(scope context.Context, cred Credential, token Token) (Client, error) {
	return &paperClient{scope: scope, svc: p, token: token}, nil
}

// NewOrderClient implements Service.
func (p *PaperService) NewOrderClient(scope context.Context, cred Credential, token Token) (OrderClient, error) {
	return &paperOrderClient{scope: scope, svc: p, token: token}, nil
}

// NewStream implements Service.
func (p *PaperService) NewStream(scope context.Context, cred Credential, token Token) (Stream, error) {
	return &paperStream{
		scope:  scope,
		svc:    p,
		token:  token,
		events: make(chan Event, streamEventBuffer),
		done:   make(chan struct{}),
		kinds:  make(map[uint32]map[models.TopicKind]struct{}),
	}, nil
}

type paperClient struct {
	scope context.Context
	svc   *PaperService
	token Token
}

func (c *paperClient) GetAccountInfo(ctx context.Context) (*models.Account, error) {
	p := c.svc
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(c.scope, c.token, "account"); err != nil {
		return nil, err
	}

	var exposure, used float64
	for _, pos := range p.positions {
		exposure += pos.LTP * float64(pos.Quantity)
		if pos.Quantity > 0 {
			used += pos.AveragePrice * float64(pos.Quantity)
		}
	}
	return &models.Account{
		ID:         p.tokens[c.token.AccessToken].UserID,
		Name:       "Paper Account",
		Broker:     "PAPER",
		Equity:     p.cash + exposure,
		Available:  p.cash,
		UsedMargin: used,
		CanTrade:   true,
	}, nil
}

func (c *paperClient) SearchInstruments(ctx context.Context, query string) ([]models.Instrument, error) {
	p := c.svc
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(c.scope, c.token, "search"); err != nil {
		return nil, err
	}

	exch, sym := ParseSymbol(query, models.NSE)
	var exact, partial []models.Instrument
	for _, inst := range p.instruments {
		if inst.Exchange != exch {
			continue
		}
		switch {
		case inst.Symbol == sym:
			exact = append(exact, inst)
		case sym != "" && (strings.HasPrefix(inst.Symbol, sym) || strings.HasPrefix(inst.Name, sym)):
			partial = append(partial, inst)
		}
	}
	return append(exact, partial...), nil
}

func (c *paperClient) SearchOpenPositions(ctx context.Context) ([]models.Position, error) {
	p := c.svc
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(c.scope, c.token, "positions"); err != nil {
		return nil, err
	}

	result := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		result = append(result, *pos)
	}
	return result, nil
}

func (c *paperClient) Ping(ctx context.Context) error {
	p := c.svc
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkLocked(c.scope, c.token, "ping")
}

type paperOrderClient struct {
	scope context.Context
	svc   *PaperService
	token Token
}

func (c *paperOrderClient) PlaceOrder(ctx context.Context, inst models.Instrument, req models.OrderRequest) (*models.OrderAck, error) {
	p := c.svc
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(c.scope, c.token, "place_order"); err != nil {
		return nil, err
	}

	price := p.prices[inst.Token]
	if price == 0 {
		return nil, apperrors.NewBusinessRejection("InputException", "no price for "+inst.ID, nil)
	}

	execPrice := price
	canFill := true
	switch req.Kind {
	case models.OrderKindLimit:
		execPrice = req.Price
		if req.Side == models.OrderSideBuy && price > req.Price {
			canFill = false
		}
		if req.Side == models.OrderSideSell && price < req.Price {
			canFill = false
		}
	case models.OrderKindStop:
		if req.Side == models.OrderSideBuy && price < req.Price {
			canFill = false
		}
		if req.Side == models.OrderSideSell && price > req.Price {
			canFill = false
		}
	}

	orderValue := execPrice * float64(req.Quantity)
	if req.Side == models.OrderSideBuy && canFill && p.cash < orderValue {
		return nil, apperrors.NewBusinessRejection(marginException,
			fmt.Sprintf("insufficient funds: need %.2f, have %.2f", orderValue, p.cash), nil)
	}

	p.orderCounter++
	order := &models.Order{
		ID:       fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderCounter),
		Symbol:   inst.Symbol,
		Side:     req.Side,
		Kind:     req.Kind,
		Quantity: req.Quantity,
		Price:    req.Price,
		Status:   "OPEN",
		PlacedAt: p.now(),
	}
	if canFill {
		order.Status = "COMPLETE"
		p.fillLocked(inst, req, execPrice)
	}
	p.orders[order.ID] = order

	return &models.OrderAck{
		OrderID:      order.ID,
		InstrumentID: inst.ID,
		Status:       order.Status,
		SubmittedAt:  order.PlacedAt,
	}, nil
}

// fillLocked updates cash and the position for a fill.
func (p *PaperService) fillLocked(inst models.Instrument, req models.OrderRequest, price float64) {
	product := req.Product
	if product == "" {
		product = models.ProductMIS
	}
	key := fmt.Sprintf("%s:%s", inst.ID, product)

	pos, exists := p.positions[key]
	if !exists {
		pos = &models.Position{
			Symbol:       inst.Symbol,
			InstrumentID: inst.ID,
			Exchange:     inst.Exchange,
			Product:      product,
		}
		p.positions[key] = pos
	}

	value := price * float64(req.Quantity)
	if req.Side == models.OrderSideBuy {
		p.cash -= value
		totalValue := pos.AveragePrice*float64(pos.Quantity) + value
		pos.Quantity += req.Quantity
		if pos.Quantity > 0 {
			pos.AveragePrice = totalValue / float64(pos.Quantity)
		}
	} else {
		p.cash += value
		pos.Quantity -= req.Quantity
		if pos.Quantity == 0 {
			delete(p.positions, key)
			return
		}
		if pos.Quantity < 0 {
			pos.AveragePrice = price
		}
	}

	pos.LTP = price
	pos.PnL = (price - pos.AveragePrice) * float64(pos.Quantity)
}

func (c *paperOrderClient) CancelOrder(ctx context.Context, orderID string) error {
	p := c.svc
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(c.scope, c.token, "cancel_order"); err != nil {
		return err
	}

	order, ok := p.orders[orderID]
	if !ok {
		return apperrors.NewBusinessRejection("InputException", "order not found: "+orderID, nil)
	}
	if order.Status != "OPEN" {
		return apperrors.NewBusinessRejection("OrderException", "cannot cancel order with status: "+order.Status, nil)
	}
	order.Status = "CANCELLED"
	return nil
}

func (c *paperOrderClient) RefreshToken(ctx context.Context, token Token) (Token, error) {
	p := c.svc
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(c.scope, token, "refresh"); err != nil {
		return token, err
	}
	return token, nil
}

// paperStream publishes a random walk of the subscribed instruments.
type paperStream struct {
	scope  context.Context
	svc    *PaperService
	token  Token
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	opened bool
	closed bool
	kinds  map[uint32]map[models.TopicKind]struct{}
}

func (s *paperStream) Open(ctx context.Context) error {
	p := s.svc
	p.mu.Lock()
	if err := p.checkLocked(s.scope, s.token, "stream_open"); err != nil {
		p.mu.Unlock()
		return err
	}
	p.streams[s] = struct{}{}
	p.mu.Unlock()

	go s.run()
	return nil
}

func (s *paperStream) run() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.opened = true
	s.mu.Unlock()
	s.emit(Event{Type: EventOpen})

	ticker := time.NewTicker(s.svc.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.scope.Done():
			s.finish(apperrors.ErrScopeEnded)
			return
		case <-ticker.C:
			s.publish()
		}
	}
}

func (s *paperStream) publish() {
	s.mu.Lock()
	subs := make(map[uint32][]models.TopicKind, len(s.kinds))
	for token, kinds := range s.kinds {
		for k := range kinds {
			subs[token] = append(subs[token], k)
		}
	}
	s.mu.Unlock()

	for token, kinds := range subs {
		inst, price, ok := s.svc.step(token)
		if !ok {
			continue
		}
		now := s.svc.now()
		spread := inst.TickSize
		for _, kind := range kinds {
			switch kind {
			case models.TopicQuotes:
				s.emit(Event{Type: EventQuote, Token: token, Quote: &models.Quote{
					Symbol: inst.Symbol, InstrumentID: inst.ID,
					Bid: price - spread, Ask: price + spread, BidSize: 100, AskSize: 100,
					Last: price, Timestamp: now,
				}})
			case models.TopicTrades:
				s.emit(Event{Type: EventTrade, Token: token, Trade: &models.Trade{
					Symbol: inst.Symbol, InstrumentID: inst.ID, Price: price, Size: 1, Timestamp: now,
				}})
			case models.TopicDepth:
				d := &models.Depth{Symbol: inst.Symbol, InstrumentID: inst.ID, Timestamp: now}
				for i := 1; i <= 5; i++ {
					step := spread * float64(i)
					d.Bids = append(d.Bids, models.DepthLevel{Price: price - step, Quantity: int64(100 * i), Orders: int64(i)})
					d.Asks = append(d.Asks, models.DepthLevel{Price: price + step, Quantity: int64(100 * i), Orders: int64(i)})
				}
				s.emit(Event{Type: EventDepth, Token: token, Depth: d})
			}
		}
	}
}

// step moves the price of token by up to one tick either way.
func (p *PaperService) step(token uint32) (models.Instrument, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instruments {
		if inst.Token != token {
			continue
		}
		price := p.prices[token] + float64(p.rng.Intn(3)-1)*inst.TickSize
		p.prices[token] = price
		return inst, price, true
	}
	return models.Instrument{}, 0, false
}

func (s *paperStream) Subscribe(ctx context.Context, kind models.TopicKind, inst models.Instrument) error {
	p := s.svc
	p.mu.Lock()
	err := p.faultLocked("subscribe")
	p.mu.Unlock()
	if err != nil {
		return apperrors.NewStreamError("subscribe", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.NewStreamError("subscribe", apperrors.ErrStreamClosed)
	}
	if !s.opened {
		return apperrors.NewStreamError("subscribe", apperrors.ErrNotConnected)
	}
	kinds := s.kinds[inst.Token]
	if kinds == nil {
		kinds = make(map[models.TopicKind]struct{})
		s.kinds[inst.Token] = kinds
	}
	kinds[kind] = struct{}{}
	return nil
}

func (s *paperStream) Unsubscribe(ctx context.Context, kind models.TopicKind, inst models.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.NewStreamError("unsubscribe", apperrors.ErrStreamClosed)
	}
	delete(s.kinds[inst.Token], kind)
	if len(s.kinds[inst.Token]) == 0 {
		delete(s.kinds, inst.Token)
	}
	return nil
}

func (s *paperStream) Events() <-chan Event {
	return s.events
}

func (s *paperStream) Close() error {
	go s.finish(nil)
	return nil
}

func (s *paperStream) emit(ev Event) {
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

func (s *paperStream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.svc.mu.Lock()
	delete(s.svc.streams, s)
	s.svc.mu.Unlock()

	select {
	case s.events <- Event{Type: EventClosed, Err: err}:
	case <-s.scope.Done():
	}
	close(s.done)
}

var (
	_ Service     = (*PaperService)(nil)
	_ Client      = (*paperClient)(nil)
	_ OrderClient = (*paperOrderClient)(nil)
	_ Stream      = (*paperStream)(nil)
)
