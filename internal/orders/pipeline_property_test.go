package orders

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: two identical submissions reach the remote service once when
// they are inside the dedup window and twice when they are not.
func TestProperty_IdenticalOrdersInsideWindowReachRemoteOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("dedup window bounds remote calls", prop.ForAll(
		func(gapMillis int, qty int) bool {
			f := newFixture(t, true)
			ctx := context.Background()

			if _, err := f.pipeline.PlaceOrder(ctx, marketBuy("INFY", qty)); err != nil {
				return false
			}
			gap := time.Duration(gapMillis) * time.Millisecond
			f.clock.Advance(gap)
			_, err := f.pipeline.PlaceOrder(ctx, marketBuy("infy", qty))

			if gap < DefaultConfig().DedupWindow {
				return err != nil && len(f.paper.Orders()) == 1
			}
			return err == nil && len(f.paper.Orders()) == 2
		},
		gen.IntRange(0, 4000),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
