package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/logging"
	"kite-connector/internal/models"
	"kite-connector/pkg/utils"
)

// KiteConfig holds configuration for the Kite Connect service.
type KiteConfig struct {
	// BaseURI overrides the REST root, mainly for tests.
	BaseURI string
	// HTTPTimeout bounds every REST round trip.
	HTTPTimeout time.Duration
	// DefaultExchange is used for symbols without an "EXCH:" prefix.
	DefaultExchange models.Exchange
	// RequestRate and OrderRate are per-transport limits in requests/second.
	RequestRate float64
	OrderRate   float64
	// SearchLimit caps instrument search results.
	SearchLimit int
}

// DefaultKiteConfig returns Kite's documented rate limits.
func DefaultKiteConfig() KiteConfig {
	return KiteConfig{
		HTTPTimeout:     30 * time.Second,
		DefaultExchange: models.NSE,
		RequestRate:     3,
		OrderRate:       10,
		SearchLimit:     20,
	}
}

// KiteService implements Service for Zerodha Kite Connect.
type KiteService struct {
	config KiteConfig
	login  *kiteLogin
	logger zerolog.Logger
	now    func() time.Time

	// Instrument dumps are large and change once a day; they are shared by
	// every request transport.
	dumpMu sync.Mutex
	dumps  map[models.Exchange]instrumentDump
}

type instrumentDump struct {
	instruments kiteconnect.Instruments
	fetchedAt   time.Time
}

const instrumentDumpTTL = 6 * time.Hour

// NewKiteService creates a new Kite Connect service.
func NewKiteService(cfg KiteConfig, logger zerolog.Logger) *KiteService {
	def := DefaultKiteConfig()
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.DefaultExchange == "" {
		cfg.DefaultExchange = def.DefaultExchange
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = def.RequestRate
	}
	if cfg.OrderRate <= 0 {
		cfg.OrderRate = def.OrderRate
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = def.SearchLimit
	}
	logger = logging.WithComponent(logger, "kite")
	return &KiteService{
		config: cfg,
		login:  newKiteLogin(cfg.HTTPTimeout, logger),
		logger: logger,
		now:    time.Now,
		dumps:  make(map[models.Exchange]instrumentDump),
	}
}

// newKiteClient builds an SDK client over its own connection pool. The pool
// is drained as soon as scope ends.
func (s *KiteService) newKiteClient(scope context.Context, apiKey, accessToken string) *kiteconnect.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	context.AfterFunc(scope, transport.CloseIdleConnections)

	kc := kiteconnect.New(apiKey)
	kc.SetHTTPClient(&http.Client{Transport: transport, Timeout: s.config.HTTPTimeout})
	if s.config.BaseURI != "" {
		kc.SetBaseURI(s.config.BaseURI)
	}
	if accessToken != "" {
		kc.SetAccessToken(accessToken)
	}
	return kc
}

// Authenticate implements Service. An access token is validated as is, a
// request token is exchanged, and otherwise the user id, password and TOTP
// secret drive the web login to obtain a request token.
func (s *KiteService) Authenticate(ctx context.Context, cred Credential) (Token, error) {
	if cred.APIKey == "" {
		return Token{}, fmt.Errorf("%w: api key is required", apperrors.ErrInvalidCredentials)
	}

	if cred.AccessToken != "" {
		kc := s.newKiteClient(ctx, cred.APIKey, cred.AccessToken)
		profile, err := call(ctx, nil, func() (kiteconnect.UserProfile, error) {
			return kc.GetUserProfile()
		})
		if err != nil {
			return Token{}, classifyKiteError("authenticate", err)
		}
		return Token{
			AccessToken: cred.AccessToken,
			UserID:      profile.UserID,
			ExpiresAt:   utils.NextDailyReset(s.now()),
		}, nil
	}

	requestToken := cred.RequestToken
	if requestToken == "" {
		if cred.UserID == "" || cred.Password == "" || cred.TOTPSecret == "" {
			return Token{}, fmt.Errorf("%w: need an access token, a request token, or user id, password and totp secret",
				apperrors.ErrInvalidCredentials)
		}
		var err error
		requestToken, err = s.login.RequestToken(ctx, cred)
		if err != nil {
			return Token{}, err
		}
	}

	kc := s.newKiteClient(ctx, cred.APIKey, "")
	session, err := call(ctx, nil, func() (kiteconnect.UserSession, error) {
		return kc.GenerateSession(requestToken, cred.APISecret)
	})
	if err != nil {
		return Token{}, classifyKiteError("generate_session", err)
	}

	s.logger.Info().Str("user_id", session.UserID).Msg("Kite session generated")
	return Token{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		UserID:       session.UserID,
		ExpiresAt:    utils.NextDailyReset(s.now()),
	}, nil
}

// NewClient implements Service.
func (s *KiteService) NewClient(scope context.Context, cred Credential, token Token) (Client, error) {
	if !token.Valid(s.now()) {
		return nil, apperrors.ErrSessionExpired
	}
	return &kiteClient{
		scope:   scope,
		service: s,
		kc:      s.newKiteClient(scope, cred.APIKey, token.AccessToken),
		limiter: rate.NewLimiter(rate.Limit(s.config.RequestRate), 1),
	}, nil
}

// NewOrderClient implements Service.
func (s *KiteService) NewOrderClient(scope context.Context, cred Credential, token Token) (OrderClient, error) {
	if !token.Valid(s.now()) {
		return nil, apperrors.ErrSessionExpired
	}
	return &kiteOrderClient{
		scope:     scope,
		kc:        s.newKiteClient(scope, cred.APIKey, token.AccessToken),
		apiSecret: cred.APISecret,
		limiter:   rate.NewLimiter(rate.Limit(s.config.OrderRate), max(1, int(s.config.OrderRate))),
		now:       s.now,
		logger:    s.logger,
	}, nil
}

// NewStream implements Service.
func (s *KiteService) NewStream(scope context.Context, cred Credential, token Token) (Stream, error) {
	if !token.Valid(s.now()) {
		return nil, apperrors.ErrSessionExpired
	}
	return newKiteStream(scope, cred.APIKey, token.AccessToken, s.now, s.logger), nil
}

func (s *KiteService) instruments(ctx context.Context, kc *kiteconnect.Client, limiter *rate.Limiter, exchange models.Exchange) (kiteconnect.Instruments, error) {
	s.dumpMu.Lock()
	dump, ok := s.dumps[exchange]
	s.dumpMu.Unlock()
	if ok && s.now().Sub(dump.fetchedAt) < instrumentDumpTTL {
		return dump.instruments, nil
	}

	instruments, err := call(ctx, limiter, func() (kiteconnect.Instruments, error) {
		return kc.GetInstrumentsByExchange(string(exchange))
	})
	if err != nil {
		return nil, classifyKiteError("instruments", err)
	}

	s.dumpMu.Lock()
	s.dumps[exchange] = instrumentDump{instruments: instruments, fetchedAt: s.now()}
	s.dumpMu.Unlock()
	s.logger.Debug().Str("exchange", string(exchange)).Int("count", len(instruments)).Msg("Instrument dump loaded")
	return instruments, nil
}

// call runs a blocking SDK call, honouring ctx and the optional limiter. The
// SDK has no context support; an abandoned call finishes in the background
// and is bounded by the HTTP client timeout.
func call[T any](ctx context.Context, limiter *rate.Limiter, fn func() (T, error)) (T, error) {
	var zero T
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

func scopeErr(scope context.Context, op string) error {
	if scope.Err() != nil {
		return apperrors.NewStaleConnectionError(op, apperrors.ErrScopeEnded)
	}
	return nil
}

// kiteClient is the request transport.
type kiteClient struct {
	scope   context.Context
	service *KiteService
	kc      *kiteconnect.Client
	limiter *rate.Limiter
}

func (c *kiteClient) GetAccountInfo(ctx context.Context) (*models.Account, error) {
	if err := scopeErr(c.scope, "account"); err != nil {
		return nil, err
	}
	profile, err := call(ctx, c.limiter, func() (kiteconnect.UserProfile, error) {
		return c.kc.GetUserProfile()
	})
	if err != nil {
		return nil, classifyKiteError("profile", err)
	}
	margins, err := call(ctx, c.limiter, func() (kiteconnect.AllMargins, error) {
		return c.kc.GetUserMargins()
	})
	if err != nil {
		return nil, classifyKiteError("margins", err)
	}
	return accountFromKite(profile, margins), nil
}

func (c *kiteClient) SearchInstruments(ctx context.Context, query string) ([]models.Instrument, error) {
	if err := scopeErr(c.scope, "search"); err != nil {
		return nil, err
	}
	exchange, symbol := ParseSymbol(query, c.service.config.DefaultExchange)
	if symbol == "" {
		return nil, nil
	}
	all, err := c.service.instruments(ctx, c.kc, c.limiter, exchange)
	if err != nil {
		return nil, err
	}
	return matchInstruments(all, symbol, c.service.config.SearchLimit), nil
}

func (c *kiteClient) SearchOpenPositions(ctx context.Context) ([]models.Position, error) {
	if err := scopeErr(c.scope, "positions"); err != nil {
		return nil, err
	}
	positions, err := call(ctx, c.limiter, func() (kiteconnect.Positions, error) {
		return c.kc.GetPositions()
	})
	if err != nil {
		return nil, classifyKiteError("positions", err)
	}
	return positionsFromKite(positions), nil
}

func (c *kiteClient) Ping(ctx context.Context) error {
	if err := scopeErr(c.scope, "read"); err != nil {
		return err
	}
	_, err := call(ctx, c.limiter, func() (kiteconnect.UserProfile, error) {
		return c.kc.GetUserProfile()
	})
	return classifyKiteError("ping", err)
}

// kiteOrderClient is the order transport.
type kiteOrderClient struct {
	scope     context.Context
	kc        *kiteconnect.Client
	apiSecret string
	limiter   *rate.Limiter
	now       func() time.Time
	logger    zerolog.Logger
}

func (c *kiteOrderClient) PlaceOrder(ctx context.Context, inst models.Instrument, req models.OrderRequest) (*models.OrderAck, error) {
	if err := scopeErr(c.scope, "place_order"); err != nil {
		return nil, err
	}
	if req.Tag == "" {
		req.Tag = NewOrderTag()
	}
	params := orderParamsFromRequest(inst, req)

	resp, err := call(ctx, c.limiter, func() (kiteconnect.OrderResponse, error) {
		return c.kc.PlaceOrder(kiteconnect.VarietyRegular, params)
	})
	if err != nil {
		return nil, classifyKiteError("place_order", err)
	}
	return &models.OrderAck{
		OrderID:      resp.OrderID,
		InstrumentID: inst.ID,
		Status:       "PLACED",
		SubmittedAt:  c.now(),
	}, nil
}

func (c *kiteOrderClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := scopeErr(c.scope, "cancel_order"); err != nil {
		return err
	}
	_, err := call(ctx, c.limiter, func() (kiteconnect.OrderResponse, error) {
		return c.kc.CancelOrder(kiteconnect.VarietyRegular, orderID, nil)
	})
	return classifyKiteError("cancel_order", err)
}

func (c *kiteOrderClient) RefreshToken(ctx context.Context, token Token) (Token, error) {
	if err := scopeErr(c.scope, "write"); err != nil {
		return token, err
	}
	if token.RefreshToken == "" {
		_, err := call(ctx, c.limiter, func() (kiteconnect.AllMargins, error) {
			return c.kc.GetUserMargins()
		})
		return token, classifyKiteError("write_probe", err)
	}

	renewed, err := call(ctx, c.limiter, func() (kiteconnect.UserSessionTokens, error) {
		return c.kc.RenewAccessToken(token.RefreshToken, c.apiSecret)
	})
	if err != nil {
		return token, classifyKiteError("renew_token", err)
	}
	c.kc.SetAccessToken(renewed.AccessToken)
	c.logger.Debug().Str("user_id", renewed.UserID).Msg("Access token renewed")
	return Token{
		AccessToken:  renewed.AccessToken,
		RefreshToken: renewed.RefreshToken,
		UserID:       renewed.UserID,
		ExpiresAt:    utils.NextDailyReset(c.now()),
	}, nil
}

// NewOrderTag returns a short tag Kite accepts (alphanumeric, at most 20
// characters). It lets a retried submission be correlated with the first.
func NewOrderTag() string {
	return "kc" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

var (
	_ Service     = (*KiteService)(nil)
	_ Client      = (*kiteClient)(nil)
	_ OrderClient = (*kiteOrderClient)(nil)
)
