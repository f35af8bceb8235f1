package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cinesync/cinesync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing cinesync configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  cinesync config dump > config.yaml

Configuration can be set via:
  - Config file (.cinesync.yaml, /etc/cinesync/config.yaml)
  - Environment variables (CINESYNC_SERVER_PORT, CINESYNC_DATABASE_PATH, ...)
  - Flat operator variables (SYNC_HTTP_PORT, SYNC_LEAD_MS, TUS_MAX_UPLOAD_BYTES, ...)
  - Command-line flags (for some options)

Environment variables use the CINESYNC_ prefix and underscores for nesting.
Example: server.port -> CINESYNC_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)

	data, err := yaml.Marshal(humanize(v.AllSettings()))
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

// humanize rewrites durations as strings so the dump round-trips through a
// config file.
func humanize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = humanize(val)
		}
		return out
	case time.Duration:
		return v.String()
	default:
		return v
	}
}
