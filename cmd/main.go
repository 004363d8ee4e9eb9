// Command dcakeeper executes due DCA orders on a schedule.
//
// Usage:
//
//	dcakeeper run --config config.yaml
//	dcakeeper once --config config.yaml
//	dcakeeper validate --config config.yaml
//	dcakeeper address --config config.yaml
//	dcakeeper setup
//	dcakeeper tail --url http://localhost:8080/executions/stream
//
// The signer key is read from the environment variable named by
// ledger.private_key_env (KEEPER_PRIVATE_KEY by default).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vadiminshakov/dcakeeper/config"
	"github.com/vadiminshakov/dcakeeper/internal"
	"github.com/vadiminshakov/dcakeeper/internal/setup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dcakeeper",
		Short:         "Executes due DCA orders on a schedule",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to yaml config")

	root.AddCommand(
		runCmd(&configPath),
		onceCmd(&configPath),
		validateCmd(&configPath),
		addressCmd(&configPath),
		setupCmd(),
		tailCmd(),
	)
	return root
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and control surface until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			keeper, err := internal.NewKeeper(cfg, *configPath, logger)
			if err != nil {
				return errors.Wrap(err, "failed to create keeper")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting keeper",
				zap.String("address", keeper.Address()),
				zap.Int("accounts", len(cfg.Accounts)),
				zap.Bool("dry_run", cfg.Execution.DryRun),
				zap.Bool("simulate", cfg.Ledger.Simulate))

			return keeper.Run(ctx)
		},
	}
}

func onceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and print its results as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			keeper, err := internal.NewKeeper(cfg, *configPath, logger)
			if err != nil {
				return errors.Wrap(err, "failed to create keeper")
			}

			results, err := keeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
}

func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d accounts\n", len(cfg.Accounts))
			return nil
		},
	}
}

func addressCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the signer address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			key, err := cfg.PrivateKey()
			if err != nil {
				return err
			}
			address, err := internal.SignerAddress(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), address)
			return nil
		},
	}
}

func setupCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunTUI(output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", setup.DefaultOutput, "file to write")
	return cmd
}

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid configuration")
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
