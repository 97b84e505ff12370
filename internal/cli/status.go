package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kite-connector/pkg/utils"
)

const commandTimeout = 30 * time.Second

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect and report session, stream, breaker and market status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			conn, err := app.openConnector(ctx, false)
			if err != nil {
				return err
			}
			defer conn.Close()

			equity, err := conn.GetAccountEquity(ctx)
			if err != nil {
				return err
			}
			healthy := conn.CheckHealth(ctx)
			st := conn.Status()
			market := utils.MarketStatusAt(time.Now())

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"mode":          app.Config.Mode,
					"market":        market,
					"session":       st.Session.String(),
					"stream":        st.Stream.String(),
					"breaker":       st.Breaker,
					"equity":        equity,
					"healthy":       healthy,
					"subscriptions": len(st.Subscriptions),
				})
			}

			output.Info("Connector status (%s)", strings.ToUpper(app.Config.Mode))
			output.Field("Market", output.marketStatus(market))
			output.Field("Session", output.sessionState(st.Session))
			output.Field("Stream", output.streamState(st.Stream))
			output.Field("Breaker", output.breakerState(st.Breaker))
			output.Field("Equity", utils.FormatIndianCurrency(equity))
			if healthy {
				output.Field("Health", output.Green("healthy"))
			} else {
				output.Field("Health", output.Red("unhealthy"))
			}
			return nil
		},
	}
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions [symbol]",
		Short: "List open positions, or the net quantity held in one symbol",
		Example: `  connector positions
  connector positions NSE:INFY`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			conn, err := app.openConnector(ctx, false)
			if err != nil {
				return err
			}
			defer conn.Close()

			if len(args) == 1 {
				qty, err := conn.GetPositionQuantity(ctx, args[0])
				if err != nil {
					return err
				}
				symbol := strings.ToUpper(args[0])
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"symbol": symbol, "quantity": qty})
				}
				output.Printf("%s %s\n", symbol, utils.FormatQuantity(int64(qty)))
				return nil
			}

			positions, err := conn.GetAllOpenPositions(ctx)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No open positions")
				return nil
			}

			table := NewTable(output, "SYMBOL", "PRODUCT", "QTY", "AVG", "LTP", "P&L")
			total := 0.0
			for _, p := range positions {
				table.AddRow(
					fmt.Sprintf("%s:%s", p.Exchange, p.Symbol),
					string(p.Product),
					utils.FormatQuantity(int64(p.Quantity)),
					formatPrice(p.AveragePrice),
					formatPrice(p.LTP),
					output.pnl(p.PnL),
				)
				total += p.PnL
			}
			table.Render()
			output.Println()
			output.Field("Total P&L", output.pnl(total))
			return nil
		},
	}
}
