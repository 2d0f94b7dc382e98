package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kimp-arb-bot/internal/admin"
	"kimp-arb-bot/internal/app"
	"kimp-arb-bot/internal/config"
	"kimp-arb-bot/internal/logging"
)

var (
	configPath    string
	envPath       string
	verifyTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "kimp-arb-bot",
	Short: "Kimchi premium arbitrage between Upbit and Binance",
	Long: `kimp-arb-bot watches the premium of Upbit KRW prices over Binance USDT
prices converted at USD/KRW, and trades hedged rounds on both venues when the
premium's Z-score leaves its normal range.`,
	SilenceUsage: true,
	RunE:         runBot,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading engine and the admin API",
	RunE:  runBot,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check FX, prices and balances on both venues without trading",
	RunE:  runVerify,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "path to .env file with venue credentials")
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", 30*time.Second, "overall timeout for verification")
	rootCmd.AddCommand(runCmd, verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func load() (*config.Config, config.Credentials, *zap.Logger, error) {
	if err := config.LoadEnv(envPath); err != nil {
		return nil, config.Credentials{}, nil, fmt.Errorf("load %s: %w", envPath, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, config.Credentials{}, nil, err
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", configPath))
	return cfg, config.CredentialsFromEnv(), log, nil
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfg, creds, log, err := load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	application, err := app.New(cfg, creds, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		return err
	}
	log.Info("app initialized")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return application.Run(ctx)
	})
	if cfg.Admin.Enabled {
		server := admin.New(cfg.Admin, application.Engine(), application.MetricsHandler(), cfg.Metrics.Path, log)
		g.Go(func() error {
			return server.Run(ctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cfg, creds, log, err := load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	dryRun := true
	cfg.Engine.DryRun = &dryRun

	application, err := app.New(cfg, creds, log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), verifyTimeout)
	defer cancel()
	return application.Verify(ctx, cmd.OutOrStdout())
}
