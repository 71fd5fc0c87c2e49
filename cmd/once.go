package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
	"github.com/JakeFAU/polite-harvester/internal/server"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once [target...]",
		Short: "Run one harvest session per target and print the reports as JSON",
		Long: `Runs a single session for each named target, or for every configured
target when none is named. Sessions run one after another and respect the
persisted backoff state, so a suspended or cooling target is not contacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.Build(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
					rt.logger.Warn("Failed to close application", zap.Error(cerr))
				}
			}()

			reports, runErr := app.RunOnce(ctx, args)
			if err := printReports(cmd, reports); err != nil {
				return err
			}
			return runErr
		},
	}
}

func printReports(cmd *cobra.Command, reports []harvest.SessionReport) error {
	if reports == nil {
		reports = []harvest.SessionReport{}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return fmt.Errorf("write reports: %w", err)
	}
	return nil
}
