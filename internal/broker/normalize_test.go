package broker

import (
	"context"
	"errors"
	"io"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/models"
)

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		in       string
		exchange models.Exchange
		symbol   string
	}{
		{"RELIANCE", models.NSE, "RELIANCE"},
		{" infy ", models.NSE, "INFY"},
		{"BSE:SBIN", models.BSE, "SBIN"},
		{"nfo:NIFTY24MARFUT", models.NFO, "NIFTY24MARFUT"},
		{":TCS", models.NSE, ":TCS"},
	}
	for _, tt := range tests {
		exch, sym := ParseSymbol(tt.in, models.NSE)
		assert.Equal(t, tt.exchange, exch, tt.in)
		assert.Equal(t, tt.symbol, sym, tt.in)
	}
}

func TestClassifyKiteError(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, classifyKiteError("op", nil))
	})

	t.Run("order exception is a business rejection", func(t *testing.T) {
		err := classifyKiteError("place_order", kiteconnect.Error{ErrorType: kiteconnect.OrderError, Message: "RMS rejected"})
		var br *apperrors.BusinessRejection
		require.True(t, errors.As(err, &br))
		assert.Equal(t, kiteconnect.OrderError, br.Code)
		assert.False(t, apperrors.IsConnectionDied(err))
		assert.False(t, apperrors.IsRecoverable(err))
	})

	t.Run("margin exception is a business rejection", func(t *testing.T) {
		err := classifyKiteError("place_order", kiteconnect.Error{ErrorType: marginException, Message: "insufficient"})
		assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	})

	t.Run("network exception means the connection died", func(t *testing.T) {
		err := classifyKiteError("place_order", kiteconnect.Error{ErrorType: kiteconnect.NetworkError, Message: "reset"})
		assert.True(t, apperrors.IsConnectionDied(err))
		assert.True(t, apperrors.IsRecoverable(err))
	})

	t.Run("token exception means the session expired", func(t *testing.T) {
		err := classifyKiteError("ping", kiteconnect.Error{ErrorType: kiteconnect.TokenError, Message: "expired"})
		assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
	})

	t.Run("raw resets are connection deaths", func(t *testing.T) {
		assert.True(t, apperrors.IsConnectionDied(classifyKiteError("op", syscall.ECONNRESET)))
		assert.True(t, apperrors.IsConnectionDied(classifyKiteError("op", io.ErrUnexpectedEOF)))
	})

	t.Run("deadline is a transient timeout", func(t *testing.T) {
		err := classifyKiteError("op", context.DeadlineExceeded)
		assert.ErrorIs(t, err, apperrors.ErrTimeout)
		assert.False(t, apperrors.IsConnectionDied(err))
		assert.True(t, apperrors.IsRecoverable(err))
	})
}

func TestIsBenignClose(t *testing.T) {
	assert.True(t, IsBenignClose(nil))
	assert.True(t, IsBenignClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.True(t, IsBenignClose(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "maintenance"}))
	assert.True(t, IsBenignClose(io.EOF))
	assert.True(t, IsBenignClose(errors.New("remote end closed the connection")))

	assert.False(t, IsBenignClose(&websocket.CloseError{Code: websocket.ClosePolicyViolation}))
	assert.False(t, IsBenignClose(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.False(t, IsBenignClose(errors.New("tls handshake timeout")))
}

func TestMatchInstruments_ExactFirst(t *testing.T) {
	all := kiteconnect.Instruments{
		{InstrumentToken: 1, Tradingsymbol: "SBINEQ", Name: "SBI EQ", Exchange: "NSE"},
		{InstrumentToken: 2, Tradingsymbol: "SBIN", Name: "STATE BANK OF INDIA", Exchange: "NSE"},
		{InstrumentToken: 3, Tradingsymbol: "TCS", Name: "TATA CONSULTANCY", Exchange: "NSE"},
	}

	got := matchInstruments(all, "SBIN", 10)
	require.Len(t, got, 2)
	assert.Equal(t, "SBIN", got[0].Symbol)
	assert.Equal(t, uint32(2), got[0].Token)
	assert.Equal(t, "NSE:SBIN", got[0].ID)
	assert.Equal(t, "SBINEQ", got[1].Symbol)
}

func TestEventKind(t *testing.T) {
	kind, ok := Event{Type: EventDepth}.Kind()
	assert.True(t, ok)
	assert.Equal(t, models.TopicDepth, kind)

	_, ok = Event{Type: EventClosed}.Kind()
	assert.False(t, ok)
}
