// Command warden runs the incident engine and inspects its database.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sitewarden/warden/internal/config"
	"github.com/sitewarden/warden/internal/storage"
)

var version = "0.1.0"

// settings resolves --db and --config: flag, then WARDEN_DB / WARDEN_CONFIG
var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Automated incident remediation engine",
	Long: `warden drives site incidents through discovery, baseline, backup,
observability, bounded fix attempts and verification, ending each incident
FIXED, rolled back or escalated to a human.

Run 'warden serve' to start the engine, then feed it with 'warden trigger'.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Database path (default: $WARDEN_DB or "+storage.DefaultPath+")")
	rootCmd.PersistentFlags().String("config", "", "YAML config file (default: $WARDEN_CONFIG)")

	settings.SetEnvPrefix("WARDEN")
	for _, key := range []string{"db", "config"} {
		if err := settings.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind --%s: %v\n", key, err)
		}
		if err := settings.BindEnv(key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind WARDEN_%s: %v\n", key, err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the effective configuration
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(settings.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openStore opens the database named by --db, WARDEN_DB or the config file.
// Read-only commands pass mustExist so a typo doesn't create an empty database.
func openStore(ctx context.Context, cfg *config.Config, mustExist bool) (storage.Storage, string, error) {
	explicit := settings.GetString("db")
	if explicit == "" {
		explicit = cfg.DBPath
	}
	path, err := storage.ResolvePath(explicit)
	if err != nil {
		return nil, "", err
	}
	if mustExist {
		if err := storage.RequireExisting(path); err != nil {
			return nil, "", err
		}
	}
	store, err := storage.NewStorage(ctx, &storage.Config{Path: path})
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return store, path, nil
}
