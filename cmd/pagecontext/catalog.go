package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perculacms/pagecontext/internal/catalog"
)

func newCatalogCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage AI providers and models",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "seed [file]",
		Short: "Create or update providers and models from a YAML file",
		Long: `Upserts every provider (keyed by name) and model (keyed by provider and
model_id) in the file. ${VAR} references are expanded from the environment,
so API keys can stay out of the file. Seeding the same file twice changes
nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := catalog.Load(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := g.open(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.SeedCatalog(ctx, f)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d providers and %d models\n", res.Providers, res.Models)
			return nil
		},
	})
	return cmd
}
