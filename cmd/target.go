package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/polite-harvester/internal/operator"
	"github.com/JakeFAU/polite-harvester/internal/server"
)

func newTargetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Inspect and control the persisted backoff state of targets",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List targets with their backoff mode",
			Args:  cobra.NoArgs,
			RunE: withOperator(func(ctx context.Context, cmd *cobra.Command, ops *operator.Service, _ []string) error {
				list, err := ops.List(ctx)
				if err != nil {
					return err
				}
				return printTable(cmd, list)
			}),
		},
		&cobra.Command{
			Use:   "status <name>",
			Short: "Show the full state of a target",
			Args:  cobra.ExactArgs(1),
			RunE: withOperator(func(ctx context.Context, cmd *cobra.Command, ops *operator.Service, args []string) error {
				st, err := ops.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			}),
		},
		newSuspendCmd(),
		&cobra.Command{
			Use:   "reactivate <name>",
			Short: "Lift a suspension or cooldown",
			Args:  cobra.ExactArgs(1),
			RunE: withOperator(func(ctx context.Context, cmd *cobra.Command, ops *operator.Service, args []string) error {
				st, err := ops.Reactivate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			}),
		},
		&cobra.Command{
			Use:   "reset <name>",
			Short: "Clear all backoff history of a target",
			Args:  cobra.ExactArgs(1),
			RunE: withOperator(func(ctx context.Context, cmd *cobra.Command, ops *operator.Service, args []string) error {
				st, err := ops.Reset(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			}),
		},
	)
	return cmd
}

func newSuspendCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "suspend <name>",
		Short: "Stop all traffic to a target until it is reactivated",
		Args:  cobra.ExactArgs(1),
		RunE: withOperator(func(ctx context.Context, cmd *cobra.Command, ops *operator.Service, args []string) error {
			st, err := ops.Suspend(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the suspension")
	return cmd
}

type operatorFunc func(ctx context.Context, cmd *cobra.Command, ops *operator.Service, args []string) error

// withOperator builds the operator controls around fn and releases them afterwards.
func withOperator(fn operatorFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := resolveRuntime(cmd.Context())
		if err != nil {
			return err
		}
		app, err := server.BuildOperator(cmd.Context(), rt.cfg, rt.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize operator controls: %w", err)
		}
		defer func() { _ = app.Close(cmd.Context()) }()
		return fn(cmd.Context(), cmd, app.Operator(), args)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func printTable(cmd *cobra.Command, list []operator.TargetStatus) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tMAY ATTEMPT\tERRORS\tCOOLDOWN\tREASON")
	for _, st := range list {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\t%s\n",
			st.Name, st.Mode, st.MayAttempt, st.ConsecutiveErrors, st.CooldownRemaining, st.Reason)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
