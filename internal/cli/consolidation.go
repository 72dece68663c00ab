package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTickCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one consolidation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Engine.RunConsolidationNow(cmd.Context())
			if err != nil {
				return fmt.Errorf("tick: %w", err)
			}
			return printJSON(cmd, report)
		},
	}
}

func newDecisionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions [item-id]",
		Short: "Show the consolidation audit trail",
		Args:  cobra.MaximumNArgs(1),
	}
	limit := cmd.Flags().IntP("limit", "l", 50, "Max decisions")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var itemID string
		if len(args) == 1 {
			itemID = args[0]
		}

		app, err := opts.openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		decisions, err := app.Engine.Decisions(cmd.Context(), itemID, *limit)
		if err != nil {
			return fmt.Errorf("decisions: %w", err)
		}
		return printJSON(cmd, decisions)
	}
	return cmd
}

func newArchivedCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archived",
		Short: "List archived working memories",
		Args:  cobra.NoArgs,
	}
	limit := cmd.Flags().IntP("limit", "l", 50, "Max items")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		app, err := opts.openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		items, err := app.Engine.Archived(cmd.Context(), *limit)
		if err != nil {
			return fmt.Errorf("archived: %w", err)
		}
		return printJSON(cmd, items)
	}
	return cmd
}
