package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kite-connector/internal/models"
	"kite-connector/pkg/utils"
)

func newWatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <symbol>...",
		Short: "Stream quotes, trades or depth until interrupted",
		Long: `Subscribe to push data for one or more symbols and print every update.

Subscriptions survive stream drops: the connector reconnects and replays
them without any action here.`,
		Example: `  connector watch INFY TCS
  connector watch NSE:SBIN --kind trades --duration 1m
  connector --paper watch RELIANCE --kind depth --count 5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			kindFlag, _ := cmd.Flags().GetString("kind")
			kind, err := parseTopic(kindFlag)
			if err != nil {
				return err
			}
			duration, _ := cmd.Flags().GetDuration("duration")
			count, _ := cmd.Flags().GetInt("count")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			openCtx, cancelOpen := context.WithTimeout(ctx, commandTimeout)
			conn, err := app.openConnector(openCtx, true)
			cancelOpen()
			if err != nil {
				return err
			}
			defer conn.Close()

			w := &eventWriter{output: output, limit: count, done: make(chan struct{})}
			conn.OnStreamError(func(err error) {
				app.Logger.Warn().Err(err).Msg("Stream fault, reconnecting")
			})

			for _, symbol := range args {
				symbol = strings.ToUpper(symbol)
				switch kind {
				case models.TopicQuotes:
					err = conn.SubscribeQuotes(ctx, symbol, w.quote)
				case models.TopicTrades:
					err = conn.SubscribeTrades(ctx, symbol, w.trade)
				case models.TopicDepth:
					err = conn.SubscribeDepth(ctx, symbol, w.depth)
				}
				if err != nil {
					return fmt.Errorf("subscribing %s %s: %w", kind, symbol, err)
				}
			}

			if !output.IsJSON() {
				output.Info("Watching %s for %s (Ctrl+C to stop)", kind, strings.Join(args, ", "))
			}
			select {
			case <-ctx.Done():
			case <-w.done:
			}
			return nil
		},
	}

	cmd.Flags().StringP("kind", "k", "quotes", "Data kind (quotes, trades, depth)")
	cmd.Flags().Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().Int("count", 0, "Stop after this many updates (0 for no limit)")
	return cmd
}

// eventWriter serialises handler output, which arrives from the stream's
// dispatch goroutine, and signals done once limit events were written.
type eventWriter struct {
	mu     sync.Mutex
	output *Output
	limit  int
	seen   int
	done   chan struct{}
}

func (w *eventWriter) write(data interface{}, text func() string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit > 0 && w.seen >= w.limit {
		return
	}
	if w.output.IsJSON() {
		_ = w.output.JSONLine(data)
	} else {
		w.output.Println(text())
	}
	w.seen++
	if w.limit > 0 && w.seen == w.limit {
		close(w.done)
	}
}

func (w *eventWriter) quote(q models.Quote) {
	w.write(q, func() string {
		return fmt.Sprintf("%s  %-10s bid %10.2f x %-6d ask %10.2f x %-6d last %10.2f",
			stamp(q.Timestamp), q.Symbol, q.Bid, q.BidSize, q.Ask, q.AskSize, q.Last)
	})
}

func (w *eventWriter) trade(t models.Trade) {
	w.write(t, func() string {
		return fmt.Sprintf("%s  %-10s %s @ %.2f",
			stamp(t.Timestamp), t.Symbol, utils.FormatQuantity(t.Size), t.Price)
	})
}

func (w *eventWriter) depth(d models.Depth) {
	w.write(d, func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "%s  %-10s", stamp(d.Timestamp), d.Symbol)
		for i := 0; i < len(d.Bids) || i < len(d.Asks); i++ {
			b.WriteString("\n    ")
			if i < len(d.Bids) {
				fmt.Fprintf(&b, "%8d @ %10.2f", d.Bids[i].Quantity, d.Bids[i].Price)
			} else {
				b.WriteString(strings.Repeat(" ", 21))
			}
			b.WriteString("  |  ")
			if i < len(d.Asks) {
				fmt.Fprintf(&b, "%10.2f x %-8d", d.Asks[i].Price, d.Asks[i].Quantity)
			}
		}
		return b.String()
	})
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.In(utils.IndiaLocation).Format("15:04:05.000")
}
