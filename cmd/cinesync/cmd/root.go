// Package cmd implements the CLI commands for cinesync.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cinesync/cinesync/internal/config"
	"github.com/cinesync/cinesync/internal/observability"
	"github.com/cinesync/cinesync/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "cinesync",
	Short:   "LAN watch-together media server",
	Version: version.Short(),
	Long: `cinesync keeps a movie playing in lockstep across devices on the same
network. The hosting device streams the file over HTTP with byte-range
support, drives playback over a WebSocket sync channel, and accepts new
media through resumable tus uploads that survive restarts.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set PersistentPreRunE here to avoid initialization cycle
	// (initLogging references rootCmd.PersistentFlags)
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Global flags are NOT bound to viper; Changed() is checked instead so
	// the priority stays CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cinesync.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/cinesync")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".cinesync")
	}

	viper.SetEnvPrefix("CINESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Flat operator-facing variables like SYNC_LEAD_MS and
	// TUS_MAX_UPLOAD_BYTES sit outside the CINESYNC_ prefix.
	config.BindEnvAliases(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the slog logger based on configuration.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format) - only if explicitly provided
//  2. Environment variables (CINESYNC_LOGGING_LEVEL, CINESYNC_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func initLogging() error {
	flags := rootCmd.PersistentFlags()
	level := flagOrViper(flags, "log-level", "logging.level")
	format := flagOrViper(flags, "log-format", "logging.format")

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}

	logCfg := config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)

	return nil
}

// flagOrViper returns the flag value when explicitly set, the viper value
// otherwise.
func flagOrViper(flags *pflag.FlagSet, flagName, viperKey string) string {
	if flags.Changed(flagName) {
		v, _ := flags.GetString(flagName)
		return v
	}
	return viper.GetString(viperKey)
}
