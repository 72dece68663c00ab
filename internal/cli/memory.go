package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/notify"
)

func newRememberCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remember <category> <key> [value]",
		Short: "Store a working memory",
		Long:  "Store or overwrite a working memory. The value can be positional or piped via stdin.",
		Args:  cobra.MinimumNArgs(2),
	}
	importance := cmd.Flags().Float64P("importance", "i", -1, "Importance in [0,1]; negative lets the scorer decide")
	ttl := cmd.Flags().Duration("ttl", 0, "Time to live (0 keeps until consolidated)")
	source := cmd.Flags().StringP("source", "s", "cli", "Who wrote the memory")
	meta := cmd.Flags().String("meta", "", "JSON object of metadata")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		value, err := readContent(cmd, args[2:])
		if err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("value is required (positional arg or stdin)")
		}

		ro := engine.RememberOptions{TTL: *ttl, Source: *source}
		if *importance >= 0 {
			ro.Importance = importance
		}
		if *meta != "" {
			if err := json.Unmarshal([]byte(*meta), &ro.Metadata); err != nil {
				return fmt.Errorf("invalid --meta: %w", err)
			}
		}

		app, err := opts.openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		item, err := app.Engine.Remember(cmd.Context(), args[0], args[1], value, ro)
		if err != nil {
			return fmt.Errorf("remember: %w", err)
		}
		opts.announce(cmd, notify.Event{Type: notify.EventRemembered, ItemID: item.ID, Category: item.Category, Key: item.Key})
		return printJSON(cmd, item)
	}
	return cmd
}

func newRecallCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recall <category> [key]",
		Short: "Read one working memory, or list a category",
		Args:  cobra.RangeArgs(1, 2),
	}
	limit := cmd.Flags().IntP("limit", "l", 50, "Max items when listing")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		app, err := opts.openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		if len(args) == 2 {
			item, err := app.Engine.Recall(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("recall: %w", err)
			}
			return printJSON(cmd, item)
		}

		items, err := app.Engine.RecallList(cmd.Context(), args[0], *limit)
		if err != nil {
			return fmt.Errorf("recall: %w", err)
		}
		return printJSON(cmd, items)
	}
	return cmd
}

func newForgetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <category> <key>",
		Short: "Delete a working memory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Engine.Forget(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("forget: %w", err)
			}
			opts.announce(cmd, notify.Event{Type: notify.EventForgotten, Category: args[0], Key: args[1]})
			return printJSON(cmd, map[string]string{"forgotten": args[0] + "/" + args[1]})
		},
	}
}
