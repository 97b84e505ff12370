package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBackoff_Schedule(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Cap: 30 * time.Second}

	want := []time.Duration{2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Delay(i+1), "attempt %d", i+1)
	}
}

func TestRetry_StopsOnSuccessAndRecordsDelays(t *testing.T) {
	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	calls := 0
	err := Retry(context.Background(), 3, Backoff{Base: 500 * time.Millisecond, Cap: 2 * time.Second}, sleep, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
}

func TestRetry_ReturnsLastErrorOnExhaustion(t *testing.T) {
	sleep := func(context.Context, time.Duration) error { return nil }
	calls := 0
	err := Retry(context.Background(), 3, Backoff{Base: time.Millisecond}, sleep, func(context.Context) error {
		calls++
		return errors.New("boom")
	})

	assert.EqualError(t, err, "boom")
	assert.Equal(t, 4, calls)
}

func TestSleep_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

// Property: delays are non-decreasing and bounded by the cap across an
// unbroken run of failures.
func TestProperty_BackoffNonDecreasingAndCapped(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("monotone and capped", prop.ForAll(
		func(baseMs int, capMs int, attempts int) bool {
			b := Backoff{Base: time.Duration(baseMs) * time.Millisecond, Cap: time.Duration(capMs) * time.Millisecond}
			prev := time.Duration(0)
			for a := 1; a <= attempts; a++ {
				d := b.Delay(a)
				if d < prev || d > b.Cap {
					return false
				}
				prev = d
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(5000, 60000),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
