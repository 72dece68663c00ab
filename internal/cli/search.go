package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/pkg/types"
)

type searchOutput struct {
	Query   string              `json:"query"`
	Results []types.ResultItem  `json:"results"`
	Debug   *engine.SearchDebug `json:"debug,omitempty"`
}

func newSearchCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Fused search across working, semantic and graph memory",
		Args:  cobra.MinimumNArgs(1),
	}
	limit := cmd.Flags().IntP("limit", "l", 10, "Max results")
	categories := cmd.Flags().String("category", "", "Comma-separated category filter")
	backends := cmd.Flags().String("backend", "", "Comma-separated backend filter: working, semantic, graph")
	minImportance := cmd.Flags().Float64("min-importance", 0, "Minimum importance in [0,1]")
	trace := cmd.Flags().Bool("trace", false, "Include per-backend timing and dedup details")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		filters := types.SearchFilters{
			Categories:    splitList(*categories),
			Backends:      splitList(*backends),
			MinImportance: *minImportance,
		}

		app, err := opts.openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := cmd.Context()
		var tc *engine.TraceCollector
		if *trace {
			tc = engine.NewTraceCollector()
			ctx = engine.WithTraceCollector(ctx, tc)
		}

		results, err := app.Engine.Search(ctx, query, *limit, filters)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if results == nil {
			results = []types.ResultItem{}
		}

		out := searchOutput{Query: query, Results: results}
		if tc != nil {
			out.Debug = engine.BuildSearchDebug(tc.Events(), tc.ElapsedMS())
		}
		return printJSON(cmd, out)
	}
	return cmd
}

func newContextCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context <query>",
		Short: "Assemble relevant memories into a token budget",
		Args:  cobra.MinimumNArgs(1),
	}
	budget := cmd.Flags().IntP("budget", "b", 1000, "Max tokens in output")
	text := cmd.Flags().Bool("text", false, "Print only the assembled text")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		app, err := opts.openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		assembled, err := app.Engine.AssembleContext(cmd.Context(), strings.Join(args, " "), *budget)
		if err != nil {
			return fmt.Errorf("context: %w", err)
		}
		if *text {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), assembled.Text)
			return err
		}
		return printJSON(cmd, assembled)
	}
	return cmd
}
