package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/models"
)

// Everything that touches raw SDK types lives in this file. The rest of the
// package, and the rest of the connector, only sees models and apperrors.

// marginException is returned by Kite for insufficient funds; the SDK has no
// constant for it.
const marginException = "MarginException"

// ParseSymbol splits "EXCHANGE:TRADINGSYMBOL". A bare symbol is looked up on
// the default exchange.
func ParseSymbol(symbol string, defaultExchange models.Exchange) (models.Exchange, string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if exch, sym, ok := strings.Cut(symbol, ":"); ok && exch != "" {
		return models.Exchange(exch), sym
	}
	return defaultExchange, symbol
}

// InstrumentID is the order-transport contract id of a Kite instrument.
func InstrumentID(exchange models.Exchange, tradingsymbol string) string {
	return fmt.Sprintf("%s:%s", exchange, tradingsymbol)
}

func instrumentFromKite(inst kiteconnect.Instrument) models.Instrument {
	exchange := models.Exchange(inst.Exchange)
	return models.Instrument{
		ID:        InstrumentID(exchange, inst.Tradingsymbol),
		Token:     uint32(inst.InstrumentToken),
		Symbol:    inst.Tradingsymbol,
		Name:      inst.Name,
		Exchange:  exchange,
		Segment:   inst.Segment,
		LotSize:   int(inst.LotSize),
		TickSize:  inst.TickSize,
		Expiry:    inst.Expiry.Time,
		InstrType: inst.InstrumentType,
	}
}

// matchInstruments returns exact trading-symbol matches first, then prefix
// matches on symbol or name, up to limit results.
func matchInstruments(all []kiteconnect.Instrument, query string, limit int) []models.Instrument {
	var exact, partial []models.Instrument
	for _, inst := range all {
		switch {
		case strings.EqualFold(inst.Tradingsymbol, query):
			exact = append(exact, instrumentFromKite(inst))
		case len(partial) < limit &&
			(strings.HasPrefix(strings.ToUpper(inst.Tradingsymbol), query) ||
				strings.HasPrefix(strings.ToUpper(inst.Name), query)):
			partial = append(partial, instrumentFromKite(inst))
		}
	}
	result := append(exact, partial...)
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func positionsFromKite(positions kiteconnect.Positions) []models.Position {
	result := make([]models.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity == 0 {
			continue
		}
		multiplier := float64(p.Multiplier)
		if multiplier == 0 {
			multiplier = 1
		}
		result = append(result, models.Position{
			Symbol:       p.Tradingsymbol,
			InstrumentID: InstrumentID(models.Exchange(p.Exchange), p.Tradingsymbol),
			Exchange:     models.Exchange(p.Exchange),
			Product:      models.ProductType(p.Product),
			Quantity:     int(p.Quantity),
			AveragePrice: p.AveragePrice,
			LTP:          p.LastPrice,
			PnL:          (p.LastPrice - p.AveragePrice) * float64(p.Quantity) * multiplier,
		})
	}
	return result
}

func accountFromKite(profile kiteconnect.UserProfile, margins kiteconnect.AllMargins) *models.Account {
	equity := margins.Equity
	return &models.Account{
		ID:         profile.UserID,
		Name:       profile.UserName,
		Broker:     profile.Broker,
		Equity:     equity.Net,
		Available:  equity.Available.Cash,
		UsedMargin: equity.Used.Debits,
		CanTrade:   equity.Enabled,
	}
}

func orderParamsFromRequest(inst models.Instrument, req models.OrderRequest) kiteconnect.OrderParams {
	product := req.Product
	if product == "" {
		product = models.ProductMIS
	}
	params := kiteconnect.OrderParams{
		Exchange:        string(inst.Exchange),
		Tradingsymbol:   inst.Symbol,
		TransactionType: string(req.Side),
		Product:         string(product),
		Quantity:        req.Quantity,
		Validity:        "DAY",
		Tag:             req.Tag,
	}
	switch req.Kind {
	case models.OrderKindLimit:
		params.OrderType = "LIMIT"
		params.Price = req.Price
	case models.OrderKindStop:
		params.OrderType = "SL-M"
		params.TriggerPrice = req.Price
	default:
		params.OrderType = "MARKET"
	}
	return params
}

func tickTime(tick kitemodels.Tick, now time.Time) time.Time {
	if !tick.Timestamp.Time.IsZero() {
		return tick.Timestamp.Time
	}
	if !tick.LastTradeTime.Time.IsZero() {
		return tick.LastTradeTime.Time
	}
	return now
}

func quoteFromTick(tick kitemodels.Tick, inst models.Instrument, now time.Time) *models.Quote {
	q := &models.Quote{
		Symbol:       inst.Symbol,
		InstrumentID: inst.ID,
		Last:         tick.LastPrice,
		Timestamp:    tickTime(tick, now),
	}
	if len(tick.Depth.Buy) > 0 {
		q.Bid = tick.Depth.Buy[0].Price
		q.BidSize = int64(tick.Depth.Buy[0].Quantity)
	}
	if len(tick.Depth.Sell) > 0 {
		q.Ask = tick.Depth.Sell[0].Price
		q.AskSize = int64(tick.Depth.Sell[0].Quantity)
	}
	return q
}

func tradeFromTick(tick kitemodels.Tick, inst models.Instrument, now time.Time) *models.Trade {
	return &models.Trade{
		Symbol:       inst.Symbol,
		InstrumentID: inst.ID,
		Price:        tick.LastPrice,
		Size:         int64(tick.LastTradedQuantity),
		Timestamp:    tickTime(tick, now),
	}
}

func depthFromTick(tick kitemodels.Tick, inst models.Instrument, now time.Time) *models.Depth {
	d := &models.Depth{
		Symbol:       inst.Symbol,
		InstrumentID: inst.ID,
		Timestamp:    tickTime(tick, now),
	}
	for _, level := range tick.Depth.Buy {
		if level.Quantity == 0 && level.Price == 0 {
			continue
		}
		d.Bids = append(d.Bids, models.DepthLevel{Price: level.Price, Quantity: int64(level.Quantity), Orders: int64(level.Orders)})
	}
	for _, level := range tick.Depth.Sell {
		if level.Quantity == 0 && level.Price == 0 {
			continue
		}
		d.Asks = append(d.Asks, models.DepthLevel{Price: level.Price, Quantity: int64(level.Quantity), Orders: int64(level.Orders)})
	}
	return d
}

// classifyKiteError maps an SDK or transport error into the connector's
// taxonomy. Order and input exceptions become business rejections; network
// exceptions and resets become connection-died transport errors.
func classifyKiteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTransientTransportError(op, fmt.Errorf("%w: %v", apperrors.ErrTimeout, err))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		switch kerr.ErrorType {
		case kiteconnect.TokenError:
			return fmt.Errorf("%s: %w: %s", op, apperrors.ErrSessionExpired, kerr.Message)
		case kiteconnect.OrderError, kiteconnect.InputError, kiteconnect.PermissionError,
			kiteconnect.UserError, marginException:
			return apperrors.NewBusinessRejection(kerr.ErrorType, kerr.Message, err)
		case kiteconnect.NetworkError:
			return apperrors.NewTransientTransportError(op, fmt.Errorf("%w: %s", apperrors.ErrConnectionDied, kerr.Message))
		default:
			return apperrors.NewTransientTransportError(op, err)
		}
	}

	if isConnectionReset(err) {
		return apperrors.NewTransientTransportError(op, fmt.Errorf("%w: %v", apperrors.ErrConnectionDied, err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewTransientTransportError(op, fmt.Errorf("%w: %v", apperrors.ErrTimeout, err))
	}
	return apperrors.NewTransientTransportError(op, err)
}

func isConnectionReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "server closed idle connection")
}

// benignCloseCodes are close codes the remote sends for routine maintenance.
var benignCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseServiceRestart,
	websocket.CloseTryAgainLater,
}

// IsBenignClose reports whether a stream close is routine (the remote end
// closed the connection cleanly) rather than a fault. A nil error is benign.
func IsBenignClose(err error) bool {
	if err == nil {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return websocket.IsCloseError(ce, benignCloseCodes...)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "remote end closed") ||
		strings.Contains(msg, "close 1000") ||
		strings.Contains(msg, "close 1001")
}
