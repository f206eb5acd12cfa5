package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/config"
	"github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

var (
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "WireGuard fleet reconciliation daemon",
	Long: `fleetd keeps a fleet of WireGuard servers and their rented client
slots in sync with the database: it discovers peer configs on the hosts,
freezes and recreates expired connections, settles payment bills and
notifies owners about expiring leases.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func runService() error {
	ctx := context.Background()

	log := logger.NewProduction("fleetd", version)
	log.InfoContext(ctx, "starting fleetd", "version", version)

	loader := config.NewLoader()
	if configFile != "" {
		loader.SetConfigFile(configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		log.ErrorCtx(ctx, "failed to load configuration", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logger.Level(logLevel)
	}

	// Rebuild the logger with the configured settings
	log = logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		AddSource:  cfg.Log.AddSource,
		Component:  "fleetd",
		Version:    version,
		TimeFormat: cfg.Log.TimeFormat,
	})
	log.DebugContext(ctx, "configuration loaded successfully")

	service, err := fleet.NewService(cfg, log)
	if err != nil {
		log.ErrorCtx(ctx, "failed to create service", err)
		return fmt.Errorf("failed to create service: %w", err)
	}

	if err := service.Start(); err != nil {
		log.ErrorCtx(ctx, "failed to start service", err)
		if stopErr := service.Stop(); stopErr != nil {
			log.ErrorCtx(ctx, "failed to cleanup service after startup failure", stopErr)
		}
		return fmt.Errorf("failed to start service: %w", err)
	}

	// Blocks until SIGINT/SIGTERM triggers the graceful shutdown path.
	service.WaitForShutdown()

	log.InfoContext(ctx, "main process exiting")
	return nil
}
