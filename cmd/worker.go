package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/listing-payment/internal/payment"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start long-running background workers outside the HTTP server.`,
}

var sweeperWorkerCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Start the payment timeout sweeper",
	Long:  `Fail payments left pending past the timeout window, once at start and then every sweep interval.`,
	Run: func(cmd *cobra.Command, args []string) {
		startSweeperWorker()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one timeout sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweepOnce(cmd)
	},
}

var (
	sweepWindow   time.Duration
	sweepInterval time.Duration
)

func startSweeperWorker() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := payment.NewSweeper(
		deps.Payments,
		getDurationFlag(sweepInterval, deps.Config.Payment.SweepInterval),
		getDurationFlag(sweepWindow, deps.Config.Payment.TimeoutWindow),
		deps.Logger,
	)

	deps.Logger.Info("sweeper worker is running. Press Ctrl+C to stop.")
	sweeper.Run(ctx)
	deps.Logger.Info("sweeper worker shutdown complete")
}

func runSweepOnce(cmd *cobra.Command) error {
	deps, err := initializeDependencies()
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	window := getDurationFlag(sweepWindow, deps.Config.Payment.TimeoutWindow)
	count, err := deps.Payments.SweepTimedOutPayments(cmd.Context(), time.Now().UTC(), window)
	fmt.Fprintf(cmd.OutOrStdout(), "timed out %d payment(s)\n", count)
	return err
}

func getDurationFlag(flagValue, configValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	sweeperWorkerCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "sweep interval (overrides config)")
	sweeperWorkerCmd.Flags().DurationVar(&sweepWindow, "window", 0, "timeout window (overrides config)")
	sweepCmd.Flags().DurationVar(&sweepWindow, "window", 0, "timeout window (overrides config)")

	workerCmd.AddCommand(sweeperWorkerCmd)

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sweepCmd)
}
