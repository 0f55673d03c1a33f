package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/bulkops/internal/app"
	"github.com/foxzi/bulkops/internal/config"
	"github.com/foxzi/bulkops/internal/db"
)

var (
	cfgFile   string
	envFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bulkops",
	Short: "Bulkops - batch job engine",
	Long:  `Bulkops runs bulk import, send, tag and delete jobs over the contact directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnvFile(envFile)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job engine",
	Long:  `Start the batch job engine with its HTTP API.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bulkops version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with BULKOPS_* overrides")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, migrateCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openDatabase opens and migrates the job database named by the config
func openDatabase(cfg *config.Config) (*db.DB, error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Transport: %s\n", cfg.Transport.URL)
	fmt.Printf("  Default rate: %d/min\n", cfg.Batch.DefaultRatePerMinute)
	if cfg.Quota.Enabled {
		fmt.Printf("  Quota: %s\n", cfg.Quota.Path)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("Database schema is up to date: %s\n", cfg.Database.Path)
	return nil
}
