package models

import (
	"fmt"
	"strings"
	"time"
)

// OrderRequest is what a caller asks the order pipeline to submit.
type OrderRequest struct {
	Kind     OrderKind
	Symbol   string
	Side     OrderSide
	Quantity int
	Price    float64 // limit price, or trigger price for stop orders
	Product  ProductType
	Tag      string
}

// Fingerprint is the key used to detect duplicate submissions.
type Fingerprint struct {
	Symbol   string
	Side     OrderSide
	Quantity int
	Kind     OrderKind
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", f.Symbol, f.Side, f.Quantity, f.Kind)
}

// Fingerprint derives the dedup key from the order's defining fields.
// Price is deliberately not part of it.
func (r OrderRequest) Fingerprint() Fingerprint {
	return Fingerprint{
		Symbol:   strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Side:     r.Side,
		Quantity: r.Quantity,
		Kind:     r.Kind,
	}
}

// OrderAck is the remote service's acknowledgement of a submitted order.
type OrderAck struct {
	OrderID      string
	InstrumentID string
	Status       string
	Attempts     int
	SubmittedAt  time.Time
}

// Order is the caller-facing view of a placed order.
type Order struct {
	ID       string
	Symbol   string
	Side     OrderSide
	Kind     OrderKind
	Quantity int
	Price    float64
	Status   string
	PlacedAt time.Time
}

// NewOrder builds the caller-facing order from its request and ack.
func NewOrder(req OrderRequest, ack *OrderAck) *Order {
	return &Order{
		ID:       ack.OrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Kind:     req.Kind,
		Quantity: req.Quantity,
		Price:    req.Price,
		Status:   ack.Status,
		PlacedAt: ack.SubmittedAt,
	}
}
