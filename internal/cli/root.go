// Package cli implements qaflowctl, the command line client of the control
// plane.
package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const defaultServer = "http://localhost:8080"

type globals struct {
	server  string
	output  OutputFormat
	timeout time.Duration
}

func (g *globals) bind(fs *pflag.FlagSet) {
	server := os.Getenv("QAFLOW_SERVER")
	if server == "" {
		server = defaultServer
	}
	g.output = OutputTable
	fs.StringVar(&g.server, "server", server, "control plane base URL (env QAFLOW_SERVER)")
	fs.VarP(&g.output, "output", "o", "output format: table, json, yaml")
	fs.DurationVar(&g.timeout, "timeout", 30*time.Second, "per request timeout")
}

func (g *globals) client() (*Client, error) {
	return NewClient(g.server, g.timeout, nil)
}

func (g *globals) renderer(cmd *cobra.Command) *Renderer {
	return &Renderer{Out: cmd.OutOrStdout(), Format: g.output}
}

// requestContext bounds one API call by --timeout.
func (g *globals) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, g.timeout)
}

// NewRootCmd builds the qaflowctl command tree.
func NewRootCmd(version string) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "qaflowctl",
		Short: "Submit test executions and query the qaflow control plane",
		Long: `qaflowctl talks to a running qaflow control plane. It submits and
tracks test executions, records and queries context events, assembles
context packs and follows live execution and CI updates.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "qaflowctl version %s\n" .Version}}`)
	g.bind(root.PersistentFlags())

	root.AddCommand(
		submitCmd(g),
		statusCmd(g),
		listCmd(g),
		cancelCmd(g),
		eventsCmd(g),
		retrieveCmd(g),
		policiesCmd(g),
		watchCmd(g),
		healthCmd(g),
	)
	return root
}
