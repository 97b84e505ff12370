package broker

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"kite-connector/internal/models"
)

// Property: every well-formed order request maps to Kite order parameters
// with a known order type, a positive quantity and the price in the field
// Kite reads for that order type.
func TestProperty_OrderRequestProducesValidKiteParams(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	exchanges := []models.Exchange{models.NSE, models.BSE, models.NFO, models.CDS, models.MCX}

	reqGen := gen.Struct(reflect.TypeOf(models.OrderRequest{}), map[string]gopter.Gen{
		"Kind":     gen.OneConstOf(models.OrderKindMarket, models.OrderKindLimit, models.OrderKindStop),
		"Symbol":   gen.OneConstOf("RELIANCE", "TCS", "INFY", "SBIN"),
		"Side":     gen.OneConstOf(models.OrderSideBuy, models.OrderSideSell),
		"Quantity": gen.IntRange(1, 1000),
		"Price":    gen.Float64Range(100.0, 5000.0),
		"Product":  gen.OneConstOf(models.ProductType(""), models.ProductMIS, models.ProductCNC, models.ProductNRML),
		"Tag":      gen.Const("kc0123456789ab"),
	})

	properties.Property("params carry a valid order type and price field", prop.ForAll(
		func(req models.OrderRequest, exIdx int) bool {
			inst := models.Instrument{Exchange: exchanges[exIdx], Symbol: req.Symbol}
			params := orderParamsFromRequest(inst, req)

			if params.Exchange != string(inst.Exchange) || params.Tradingsymbol != req.Symbol {
				return false
			}
			if params.TransactionType != string(req.Side) || params.Quantity != req.Quantity {
				return false
			}
			if params.Product == "" || params.Validity != "DAY" || len(params.Tag) > 20 {
				return false
			}
			switch req.Kind {
			case models.OrderKindMarket:
				return params.OrderType == "MARKET" && params.Price == 0 && params.TriggerPrice == 0
			case models.OrderKindLimit:
				return params.OrderType == "LIMIT" && params.Price == req.Price
			case models.OrderKindStop:
				return params.OrderType == "SL-M" && params.TriggerPrice == req.Price
			}
			return false
		},
		reqGen,
		gen.IntRange(0, len(exchanges)-1),
	))

	properties.Property("tags fit Kite's limit", prop.ForAll(
		func(int) bool {
			tag := NewOrderTag()
			return len(tag) <= 20 && len(tag) > 2
		},
		gen.Int(),
	))

	properties.TestingRun(t)
}
