package cli

import (
	"fmt"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/spf13/cobra"
)

func submitCmd(g *globals) *cobra.Command {
	var (
		req      domain.ExecutionRequest
		headless bool
	)
	cmd := &cobra.Command{
		Use:   "submit <framework> <selector>...",
		Short: "Submit a test execution",
		Example: `  qaflowctl submit pytest tests/test_login.py tests/test_cart.py
  qaflowctl submit playwright e2e/checkout.spec.ts --workers 4 --headless=false`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.FrameworkID = args[0]
			req.TestSelectors = args[1:]
			if cmd.Flags().Changed("headless") {
				req.Options.Headless = &headless
			}
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			adm, err := client.Submit(ctx, req)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			return g.renderer(cmd).Admission(adm)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&req.ID, "id", "", "execution id (generated by the server when empty)")
	fs.StringVar(&req.Project, "project", "", "project the execution belongs to")
	fs.StringVar(&req.Branch, "branch", "", "branch under test")
	fs.BoolVar(&headless, "headless", true, "run browsers headless")
	fs.IntVar(&req.Options.WorkerCount, "workers", 0, "parallel workers inside the framework")
	fs.BoolVar(&req.Options.AIEnabled, "ai", false, "enable AI assisted analysis")
	fs.StringToStringVar(&req.Options.Env, "env", nil, "extra environment, KEY=VALUE")
	return cmd
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			h, err := client.Status(ctx, args[0])
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return g.renderer(cmd).Handle(h)
		},
	}
}

func listCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List running, queued and recently finished executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			list, err := client.List(ctx)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			return g.renderer(cmd).Executions(list, true)
		},
	}
}

func cancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a queued or running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			h, err := client.Cancel(ctx, args[0])
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			return g.renderer(cmd).Handle(h)
		},
	}
}
