// Package models provides domain models for the brokerage connectivity layer.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	BFO Exchange = "BFO"
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderKind is the kind of order the caller asks for.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
	OrderKindStop   OrderKind = "stop"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday
	ProductCNC  ProductType = "CNC"  // Delivery
	ProductNRML ProductType = "NRML" // F&O Normal
)

// TopicKind is the kind of push data a subscription carries.
type TopicKind string

const (
	TopicTrades TopicKind = "trades"
	TopicQuotes TopicKind = "quotes"
	TopicDepth  TopicKind = "depth"
)

// Valid reports whether k is one of the known topic kinds.
func (k TopicKind) Valid() bool {
	switch k {
	case TopicTrades, TopicQuotes, TopicDepth:
		return true
	}
	return false
}

// Instrument represents a tradable instrument as resolved from a symbol.
type Instrument struct {
	ID        string // contract id used by the order transport
	Token     uint32 // numeric id used by the push-data transport
	Symbol    string
	Name      string
	Exchange  Exchange
	Segment   string
	LotSize   int
	TickSize  float64
	Expiry    time.Time
	InstrType string
}

// Quote is a top-of-book update.
type Quote struct {
	Symbol       string
	InstrumentID string
	Bid          float64
	Ask          float64
	BidSize      int64
	AskSize      int64
	Last         float64
	Timestamp    time.Time
}

// Trade is a last-trade print.
type Trade struct {
	Symbol       string
	InstrumentID string
	Price        float64
	Size         int64
	Timestamp    time.Time
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64
	Quantity int64
	Orders   int64
}

// Depth is a market-depth snapshot.
type Depth struct {
	Symbol       string
	InstrumentID string
	Bids         []DepthLevel
	Asks         []DepthLevel
	Timestamp    time.Time
}

// Account holds the account metadata fetched on connect.
type Account struct {
	ID         string
	Name       string
	Broker     string
	Equity     float64
	Available  float64
	UsedMargin float64
	CanTrade   bool
}

// Position represents an open trading position.
type Position struct {
	Symbol       string
	InstrumentID string
	Exchange     Exchange
	Product      ProductType
	Quantity     int
	AveragePrice float64
	LTP          float64
	PnL          float64
}
