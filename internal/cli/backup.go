package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/engram/internal/backup"
	"github.com/scrypster/engram/internal/bootstrap"
)

func newBackupCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the SQLite database",
		Long:  "Write a verified point-in-time snapshot of the database and prune old snapshots.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.snapshotter()
			if err != nil {
				return err
			}
			res, err := s.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("backup: %w", err)
			}
			return printJSON(cmd, res)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.snapshotter()
			if err != nil {
				return err
			}
			list, err := s.List()
			if err != nil {
				return fmt.Errorf("backup list: %w", err)
			}
			if list == nil {
				list = []backup.Info{}
			}
			return printJSON(cmd, list)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Replace the database with a snapshot (stop the server first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.snapshotter()
			if err != nil {
				return err
			}
			if err := s.Restore(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("backup restore: %w", err)
			}
			return printJSON(cmd, map[string]string{"restored": args[0]})
		},
	})
	return cmd
}

func (o *options) snapshotter() (*backup.Snapshotter, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return bootstrap.NewSnapshotter(cfg)
}
