package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/engram/pkg/types"
)

func newEntityCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity <type> <name>",
		Short: "Add or update a graph entity",
		Args:  cobra.MinimumNArgs(2),
	}
	props := cmd.Flags().StringSliceP("prop", "p", nil, "Property as key=value (repeatable)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		properties, err := parseProps(*props)
		if err != nil {
			return err
		}
		entity := &types.Entity{
			Type:       args[0],
			Name:       strings.Join(args[1:], " "),
			Properties: properties,
		}

		app, err := opts.openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Engine.AddEntity(cmd.Context(), entity); err != nil {
			return fmt.Errorf("entity: %w", err)
		}
		return printJSON(cmd, entity)
	}
	return cmd
}

func newRelateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relate <from-id> <relation-type> <to-id>",
		Short: "Add or update a directed relation between two entities",
		Args:  cobra.ExactArgs(3),
	}
	props := cmd.Flags().StringSliceP("prop", "p", nil, "Property as key=value (repeatable)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		properties, err := parseProps(*props)
		if err != nil {
			return err
		}
		rel := &types.Relation{
			FromID:       args[0],
			RelationType: args[1],
			ToID:         args[2],
			Properties:   properties,
		}

		app, err := opts.openApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Engine.AddRelation(cmd.Context(), rel); err != nil {
			return fmt.Errorf("relate: %w", err)
		}
		return printJSON(cmd, rel)
	}
	return cmd
}

func parseProps(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid property %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
