package main

import (
	"github.com/spf13/cobra"

	"github.com/perculacms/pagecontext"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		Long: `Starts the HTTP API, the MCP endpoint at /mcp, the agent hot reloader and,
with a Postgres ledger, the document outbox worker. Stops gracefully on
SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var opts []pagecontext.Option
			if port != 0 {
				opts = append(opts, pagecontext.WithPort(port))
			}
			app, err := g.open(ctx, true, opts...)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port; overrides PAGECONTEXT_PORT")
	return cmd
}
