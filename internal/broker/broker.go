// Package broker provides the remote brokerage boundary: the abstract
// service the connector consumes and its Kite Connect and paper implementations.
package broker

import (
	"context"
	"time"

	"kite-connector/internal/models"
)

// Credential identifies the account to authenticate. Only the fields needed
// by the chosen login path have to be set.
type Credential struct {
	APIKey       string
	APISecret    string
	UserID       string
	Password     string
	TOTPSecret   string
	RequestToken string
	AccessToken  string
}

// Token is the bearer token derived from a Credential.
type Token struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	ExpiresAt    time.Time
}

// Valid reports whether the token is set and not past its expiry.
func (t Token) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// Service is the remote brokerage service.
//
// Transports returned by the New* methods are bound to the scope context they
// were created with. Once that context ends they refuse further calls and
// release their connections; callers must create new ones.
type Service interface {
	// Authenticate exchanges a credential for a token.
	Authenticate(ctx context.Context, cred Credential) (Token, error)

	// NewClient creates the request transport used for reads.
	NewClient(scope context.Context, cred Credential, token Token) (Client, error)

	// NewOrderClient creates the order transport. It never shares a
	// connection pool with the request transport.
	NewOrderClient(scope context.Context, cred Credential, token Token) (OrderClient, error)

	// NewStream creates a push-data connection. It is not dialled until Open.
	NewStream(scope context.Context, cred Credential, token Token) (Stream, error)
}

// Client is the request transport.
type Client interface {
	GetAccountInfo(ctx context.Context) (*models.Account, error)
	// SearchInstruments returns instruments matching query, best match first.
	SearchInstruments(ctx context.Context, query string) ([]models.Instrument, error)
	SearchOpenPositions(ctx context.Context) ([]models.Position, error)
	// Ping is a cheap read used as the read-path health probe.
	Ping(ctx context.Context) error
}

// OrderClient is the order transport.
type OrderClient interface {
	PlaceOrder(ctx context.Context, inst models.Instrument, req models.OrderRequest) (*models.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	// RefreshToken renews or re-validates the token over the order
	// transport. It doubles as the write-path health probe.
	RefreshToken(ctx context.Context, token Token) (Token, error)
}

// Stream is a single push-data connection. After it closes it is never
// reopened; a new Stream must be created.
type Stream interface {
	// Open starts dialling. Readiness is signalled by an EventOpen.
	Open(ctx context.Context) error
	Subscribe(ctx context.Context, kind models.TopicKind, inst models.Instrument) error
	Unsubscribe(ctx context.Context, kind models.TopicKind, inst models.Instrument) error
	// Events delivers lifecycle and data events. At most one EventClosed is
	// ever delivered.
	Events() <-chan Event
	Close() error
}

// EventType is the kind of a stream event.
type EventType int

const (
	EventOpen EventType = iota
	EventClosed
	EventError
	EventQuote
	EventTrade
	EventDepth
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	case EventQuote:
		return "quote"
	case EventTrade:
		return "trade"
	case EventDepth:
		return "depth"
	}
	return "unknown"
}

// Event is delivered on Stream.Events.
type Event struct {
	Type  EventType
	Token uint32

	Quote *models.Quote
	Trade *models.Trade
	Depth *models.Depth

	// Err is set for EventError, and for EventClosed when the close was
	// caused by a fault or a close frame.
	Err error
}

// Kind returns the topic kind carried by a data event.
func (e Event) Kind() (models.TopicKind, bool) {
	switch e.Type {
	case EventQuote:
		return models.TopicQuotes, true
	case EventTrade:
		return models.TopicTrades, true
	case EventDepth:
		return models.TopicDepth, true
	}
	return "", false
}
