package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/models"
	"kite-connector/pkg/utils"
)

func newOrderCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place and cancel orders",
	}
	cmd.AddCommand(newOrderPlaceCmd(app))
	cmd.AddCommand(newOrderCancelCmd(app))
	return cmd
}

func newOrderPlaceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place <symbol> <buy|sell> <quantity>",
		Short: "Place a market, limit or stop order",
		Long: `Place an order through the duplicate-guarded order pipeline.

The same symbol, side, quantity and type submitted again inside the dedup
window is refused without reaching the broker.`,
		Example: `  connector order place INFY buy 10
  connector order place NSE:TCS sell 5 --type limit --price 3950
  connector order place SBIN sell 20 --type stop --price 760 --product CNC`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			req, err := orderRequestFromArgs(cmd, args)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			conn, err := app.openConnector(ctx, false)
			if err != nil {
				return err
			}
			defer conn.Close()

			order, err := conn.PlaceOrder(ctx, req)
			if err != nil {
				if apperrors.Is(err, apperrors.ErrDuplicateRejected) && !output.IsJSON() {
					output.Warning("! Same order was submitted within the last %s", app.Config.Orders.DedupWindow)
				}
				return err
			}

			if output.IsJSON() {
				return output.JSON(order)
			}
			desc := fmt.Sprintf("%s %s %s", output.side(string(order.Side)), utils.FormatQuantity(int64(order.Quantity)), order.Symbol)
			if order.Kind != models.OrderKindMarket {
				desc += fmt.Sprintf(" %s @ %s", order.Kind, utils.FormatIndianCurrency(order.Price))
			}
			output.Success("✓ Order placed")
			output.Field("Order ID", order.ID)
			output.Field("Order", desc)
			output.Field("Status", order.Status)
			return nil
		},
	}

	cmd.Flags().StringP("type", "t", "market", "Order type (market, limit, stop)")
	cmd.Flags().Float64P("price", "p", 0, "Limit price, or trigger price for stop orders")
	cmd.Flags().String("product", "MIS", "Product type (MIS, CNC, NRML)")
	cmd.Flags().String("tag", "", "Order tag (generated when empty)")
	return cmd
}

// orderRequestFromArgs builds the request from positional args and flags.
// The pipeline validates the combination.
func orderRequestFromArgs(cmd *cobra.Command, args []string) (models.OrderRequest, error) {
	side, err := parseSide(args[1])
	if err != nil {
		return models.OrderRequest{}, err
	}
	qty, err := parseQuantity(args[2])
	if err != nil {
		return models.OrderRequest{}, err
	}

	kindFlag, _ := cmd.Flags().GetString("type")
	kind, err := parseKind(kindFlag)
	if err != nil {
		return models.OrderRequest{}, err
	}
	productFlag, _ := cmd.Flags().GetString("product")
	product, err := parseProduct(productFlag)
	if err != nil {
		return models.OrderRequest{}, err
	}
	price, _ := cmd.Flags().GetFloat64("price")
	tag, _ := cmd.Flags().GetString("tag")

	return models.OrderRequest{
		Kind:     kind,
		Symbol:   strings.ToUpper(strings.TrimSpace(args[0])),
		Side:     side,
		Quantity: qty,
		Price:    price,
		Product:  product,
		Tag:      tag,
	}, nil
}

func newOrderCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an open order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			conn, err := app.openConnector(ctx, false)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.CancelOrder(ctx, args[0]); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"order_id": args[0], "status": "CANCELLED"})
			}
			output.Success("✓ Order %s cancelled", args[0])
			return nil
		},
	}
}
