// Package journal records every order and cancel attempt for audit.
// Nothing is read back for recovery.
package journal

import (
	"context"
	"time"
)

// Outcome is how an attempt ended.
type Outcome string

const (
	OutcomeSubmitted         Outcome = "submitted"
	OutcomeDuplicateRejected Outcome = "duplicate_rejected"
	OutcomeInvalid           Outcome = "invalid"
	OutcomeNotReady          Outcome = "not_ready"
	OutcomeUnknownSymbol     Outcome = "unknown_symbol"
	OutcomeRejected          Outcome = "rejected"
	OutcomeTransportFailure  Outcome = "transport_failure"
	OutcomeRetried           Outcome = "retried"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeFailed            Outcome = "failed"
)

// Op is the operation an entry records.
type Op string

const (
	OpPlace  Op = "place"
	OpCancel Op = "cancel"
)

// Entry is one journaled attempt.
type Entry struct {
	ID        int64
	Timestamp time.Time
	Op        Op
	Symbol    string
	Side      string
	Kind      string
	Quantity  int
	Price     float64
	Tag       string
	OrderID   string
	Outcome   Outcome
	Attempts  int
	Error     string
}

// Filter narrows Entries.
type Filter struct {
	Symbol  string
	Outcome Outcome
	Since   time.Time
	Limit   int
}

// Journal stores entries.
type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Entries(ctx context.Context, filter Filter) ([]Entry, error)
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Entries(context.Context, Filter) ([]Entry, error) { return nil, nil }
func (Nop) Close() error { return nil }
