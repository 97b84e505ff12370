package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "data", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestSQLiteJournal_RecordAndFilter(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, Entry{
		Timestamp: base, Op: OpPlace, Symbol: "INFY", Side: "BUY", Kind: "market",
		Quantity: 10, Outcome: OutcomeSubmitted, OrderID: "A1", Attempts: 1,
	}))
	require.NoError(t, j.Record(ctx, Entry{
		Timestamp: base.Add(time.Second), Op: OpPlace, Symbol: "INFY", Side: "BUY", Kind: "market",
		Quantity: 10, Outcome: OutcomeDuplicateRejected, Error: "duplicate order rejected",
	}))
	require.NoError(t, j.Record(ctx, Entry{
		Timestamp: base.Add(2 * time.Second), Op: OpCancel, OrderID: "A1", Outcome: OutcomeCancelled, Attempts: 1,
	}))

	all, err := j.Entries(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, OpCancel, all[0].Op, "newest first")
	assert.Equal(t, "", all[0].Symbol)

	dups, err := j.Entries(ctx, Filter{Outcome: OutcomeDuplicateRejected})
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, "duplicate order rejected", dups[0].Error)
	assert.Equal(t, 10, dups[0].Quantity)

	infy, err := j.Entries(ctx, Filter{Symbol: "INFY", Limit: 1})
	require.NoError(t, err)
	require.Len(t, infy, 1)
	assert.Equal(t, OutcomeDuplicateRejected, infy[0].Outcome)

	recent, err := j.Entries(ctx, Filter{Since: base.Add(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestSQLiteJournal_ZeroTimestampDefaultsToNow(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	before := time.Now().Add(-time.Second)

	require.NoError(t, j.Record(ctx, Entry{Op: OpPlace, Symbol: "SBIN", Outcome: OutcomeRejected}))
	entries, err := j.Entries(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Timestamp.After(before))
}

func TestSQLiteJournal_RedactsErrorText(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, Entry{
		Op: OpPlace, Symbol: "TCS", Outcome: OutcomeTransportFailure, Attempts: 2,
		Error: "token refresh: access_token=tok9876543210 expired",
	}))

	entries, err := j.Entries(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "token refresh: access_token=*********3210 expired", entries[0].Error)
}
