package cli

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/qaflow-labs/qaflow-go/internal/push"
	"github.com/spf13/cobra"
)

func watchCmd(g *globals) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:       "watch <channel>",
		Short:     "Follow live updates on a push channel",
		Example:   "  qaflowctl watch executions\n  qaflowctl watch ci -o json",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"executions", "ci"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r := g.renderer(cmd)
			seen := 0
			err = client.Watch(ctx, args[0], func(f push.Frame) error {
				if err := r.Frame(f); err != nil {
					return err
				}
				if f.Type == push.FrameEvent {
					seen++
				}
				if count > 0 && seen >= count {
					return errStopWatch
				}
				return nil
			})
			if errors.Is(err, errStopWatch) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("watch %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many messages")
	return cmd
}

var errStopWatch = errors.New("watch limit reached")

func healthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show control plane health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			h, err := client.Health(ctx)
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			if err := g.renderer(cmd).Health(h); err != nil {
				return err
			}
			if h["status"] == "unavailable" {
				return fmt.Errorf("control plane unavailable")
			}
			return nil
		},
	}
}
