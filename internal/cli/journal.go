package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "kite-connector/internal/errors"
	"kite-connector/internal/journal"
	"kite-connector/pkg/utils"
)

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recorded order and cancel attempts",
		Example: `  connector journal
  connector journal --symbol INFY --since 2h
  connector journal --outcome duplicate_rejected --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if !app.Config.Journal.Enabled {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, "journal is disabled")
			}

			symbol, _ := cmd.Flags().GetString("symbol")
			outcome, _ := cmd.Flags().GetString("outcome")
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := journal.Filter{
				Symbol:  strings.ToUpper(strings.TrimSpace(symbol)),
				Outcome: journal.Outcome(strings.ToLower(outcome)),
				Limit:   limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			j, err := journal.NewSQLiteJournal(app.Config.Journal.Path)
			if err != nil {
				return fmt.Errorf("opening journal: %w", err)
			}
			defer j.Close()

			entries, err := j.Entries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				if entries == nil {
					entries = []journal.Entry{}
				}
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				output.Dim("No journal entries")
				return nil
			}

			table := NewTable(output, "TIME", "OP", "SYMBOL", "SIDE", "QTY", "KIND", "PRICE", "OUTCOME", "TRIES", "ORDER", "ERROR")
			for _, e := range entries {
				table.AddRow(
					e.Timestamp.In(utils.IndiaLocation).Format("01-02 15:04:05"),
					string(e.Op),
					e.Symbol,
					output.side(e.Side),
					fmt.Sprintf("%d", e.Quantity),
					e.Kind,
					formatPrice(e.Price),
					output.outcome(e.Outcome),
					fmt.Sprintf("%d", e.Attempts),
					e.OrderID,
					truncate(e.Error, 48),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().String("symbol", "", "Only entries for this symbol")
	cmd.Flags().String("outcome", "", "Only entries with this outcome")
	cmd.Flags().Duration("since", 0, "Only entries newer than this (e.g. 2h)")
	cmd.Flags().Int("limit", 50, "Maximum entries to show (0 for all)")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
