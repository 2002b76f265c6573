package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/database"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as YAML",
	Long: `Print the configuration after defaults, the --config file, BOLAGATE_*
environment variables and flags are merged. Credentials are masked.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	if db, ok := settings["database"].(map[string]any); ok {
		if dsn, ok := db["dsn"].(string); ok {
			db["dsn"] = database.MaskDSN(dsn)
		}
	}
	if redis, ok := settings["redis"].(map[string]any); ok {
		if pw, ok := redis["password"].(string); ok && pw != "" {
			redis["password"] = "***"
		}
	}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
