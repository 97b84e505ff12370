package cli

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/journal"
	"kite-connector/internal/models"
	"kite-connector/internal/resilience"
	"kite-connector/internal/session"
	"kite-connector/internal/stream"
	"kite-connector/pkg/utils"
)

// parseSide accepts buy/sell in any case, and b/s.
func parseSide(s string) (models.OrderSide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return models.OrderSideBuy, nil
	case "SELL", "S":
		return models.OrderSideSell, nil
	}
	return "", apperrors.NewValidationError("side", s, "must be buy or sell")
}

// parseKind accepts market, limit and stop in any case. SL-M is Kite's
// name for a stop-market order.
func parseKind(s string) (models.OrderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "market", "mkt":
		return models.OrderKindMarket, nil
	case "limit", "lmt":
		return models.OrderKindLimit, nil
	case "stop", "sl-m", "slm":
		return models.OrderKindStop, nil
	}
	return "", apperrors.NewValidationError("type", s, "must be market, limit or stop")
}

func parseProduct(s string) (models.ProductType, error) {
	p := models.ProductType(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case models.ProductMIS, models.ProductCNC, models.ProductNRML:
		return p, nil
	}
	return "", apperrors.NewValidationError("product", s, "must be MIS, CNC or NRML")
}

func parseTopic(s string) (models.TopicKind, error) {
	k := models.TopicKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", apperrors.NewValidationError("kind", s, "must be quotes, trades or depth")
	}
	return k, nil
}

func parseQuantity(s string) (int, error) {
	qty, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || qty <= 0 {
		return 0, apperrors.NewValidationError("quantity", s, "must be a positive integer")
	}
	return qty, nil
}

func (o *Output) sessionState(s session.ConnectionState) string {
	switch s {
	case session.StateConnected:
		return o.Green("● " + s.String())
	case session.StateConnecting:
		return o.Yellow("● " + s.String())
	}
	return o.Red("● " + s.String())
}

func (o *Output) streamState(s stream.State) string {
	switch s {
	case stream.StateOpen:
		return o.Green("● " + s.String())
	case stream.StateConnecting, stream.StateReconnecting:
		return o.Yellow("● " + s.String())
	}
	return o.DimText("● " + s.String())
}

func (o *Output) breakerState(stats resilience.CircuitBreakerStats) string {
	if stats.State == resilience.CircuitOpen {
		return o.Red(fmt.Sprintf("● OPEN until %s", stats.ResetAt.In(utils.IndiaLocation).Format("15:04:05")))
	}
	text := fmt.Sprintf("● CLOSED (%d/%d failures)", stats.CurrentFailures, stats.Threshold)
	if stats.CurrentFailures > 0 {
		return o.Yellow(text)
	}
	return o.Green(text)
}

func (o *Output) marketStatus(status utils.MarketStatus) string {
	switch status {
	case utils.MarketOpen:
		return o.Green("● OPEN")
	case utils.MarketPreOpen:
		return o.Yellow("● PRE-OPEN")
	}
	return o.Red("● CLOSED")
}

func (o *Output) side(side string) string {
	if side == string(models.OrderSideBuy) {
		return o.Green(side)
	}
	return o.Red(side)
}

func (o *Output) pnl(v float64) string {
	s := utils.FormatPnL(v)
	switch {
	case v > 0:
		return o.Green(s)
	case v < 0:
		return o.Red(s)
	}
	return s
}

func (o *Output) outcome(out journal.Outcome) string {
	switch out {
	case journal.OutcomeSubmitted, journal.OutcomeCancelled:
		return o.Green(string(out))
	case journal.OutcomeDuplicateRejected, journal.OutcomeRetried, journal.OutcomeNotReady:
		return o.Yellow(string(out))
	}
	return o.Red(string(out))
}

func formatPrice(v float64) string {
	if v == 0 {
		return "-"
	}
	return utils.FormatIndianCurrency(v)
}
