package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func retrieveCmd(g *globals) *cobra.Command {
	var (
		req  RetrieveRequest
		asOf string
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Assemble a context pack",
		Example: `  qaflowctl retrieve --project shop --query "checkout timeout" --budget 1500
  qaflowctl retrieve --project shop --policy triage --tags checkout -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Project == "" {
				return fmt.Errorf("--project is required")
			}
			if asOf != "" {
				t, err := parseTimeFlag(asOf, time.Now())
				if err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
				req.Inputs.AsOf = &t
			}
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			pack, err := client.Retrieve(ctx, req)
			if err != nil {
				return fmt.Errorf("retrieve: %w", err)
			}
			return g.renderer(cmd).Pack(pack)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&req.PolicyID, "policy", "", "policy id (server default when empty)")
	fs.StringVar(&req.Project, "project", "", "project")
	fs.StringVar(&req.Branch, "branch", "", "branch")
	fs.StringVarP(&req.Inputs.Query, "query", "q", "", "free text query for semantic ranking")
	fs.StringSliceVar(&req.Inputs.Tags, "tags", nil, "only events carrying any of these tags")
	fs.StringVar(&asOf, "as-of", "", "recency reference, RFC 3339 or a duration ago")
	fs.IntVar(&req.Budget, "budget", 0, "token budget (policy default when 0)")
	return cmd
}

func policiesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policies",
		Aliases: []string{"policy"},
		Short:   "List, show and update retrieval policies",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			policies, err := client.Policies(ctx)
			if err != nil {
				return fmt.Errorf("policies: %w", err)
			}
			return g.renderer(cmd).Policies(policies)
		},
	}

	get := &cobra.Command{
		Use:   "get <policy-id>",
		Short: "Show one policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			p, err := client.Policy(ctx, args[0])
			if err != nil {
				return fmt.Errorf("policy: %w", err)
			}
			r := g.renderer(cmd)
			if r.Format == OutputTable {
				r.Format = OutputYAML
			}
			_, err = r.structured(p)
			return err
		},
	}

	put := &cobra.Command{
		Use:   "put <file>",
		Short: "Create or update a policy from a YAML or JSON file",
		Long: `Uploads a policy file. The policy id is taken from the file's id field
or, when absent, from the file name. Every update bumps the version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				base := filepath.Base(args[0])
				id = strings.TrimSuffix(base, filepath.Ext(base))
			}
			contentType := "application/json"
			switch strings.ToLower(filepath.Ext(args[0])) {
			case ".yaml", ".yml":
				contentType = "application/yaml"
			}
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			p, err := client.PutPolicy(ctx, id, doc, contentType)
			if err != nil {
				return fmt.Errorf("put policy: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy %s stored at version %d\n", p.ID, p.Version)
			return nil
		},
	}
	put.Flags().String("id", "", "policy id (defaults to the file name)")

	cmd.AddCommand(get, put)
	return cmd
}
