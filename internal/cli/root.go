// Package cli implements the engram CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/engram/internal/bootstrap"
	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/notify"
)

// options holds the persistent flags shared by every command.
type options struct {
	configPath string
	dataPath   string

	cfg *config.Config // set by openApp
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "engram",
		Short:         "Tiered memory for agents",
		Long:          "Working memory that consolidates into semantic and graph tiers, with fused search and context assembly.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: $ENGRAM_CONFIG)")
	root.PersistentFlags().StringVarP(&opts.dataPath, "data", "d", "", "Data directory (overrides storage.data_path)")

	root.AddCommand(
		newRememberCmd(opts),
		newRecallCmd(opts),
		newForgetCmd(opts),
		newSearchCmd(opts),
		newContextCmd(opts),
		newTickCmd(opts),
		newDecisionsCmd(opts),
		newArchivedCmd(opts),
		newEntityCmd(opts),
		newRelateCmd(opts),
		newBackupCmd(opts),
	)
	return root
}

// Execute runs the CLI and reports errors on stderr.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (o *options) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv("ENGRAM_CONFIG")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if o.dataPath != "" {
		cfg.Storage.DataPath = o.dataPath
	}
	return cfg, nil
}

func (o *options) openApp(cmd *cobra.Command) (*bootstrap.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := bootstrap.New(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	o.cfg = cfg
	return app, nil
}

// announce tells a server sharing the data directory about a write. A
// failure only costs the server an early volume check, so it is reported
// and otherwise ignored.
func (o *options) announce(cmd *cobra.Command, evt notify.Event) {
	if o.cfg == nil {
		return
	}
	if err := notify.NewEventWriter(o.cfg.Storage.DataPath).Notify(evt); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

// readContent takes content from args, falling back to piped stdin.
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
