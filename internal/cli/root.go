// internal/cli/root.go
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/syntrik/mend/internal/config"
	"github.com/syntrik/mend/internal/observability"
)

var cfgFile string

// cfg is loaded once in the persistent pre-run and shared by all commands.
var cfg config.Interface

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:     "mend",
	Short:   "Mend is a self-healing engine that triages, diagnoses and repairs workflow errors.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "mend"})
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded

		observability.InitializeLogger(cfg.Logger())
		observability.GetLogger().Debug("Starting mend", zap.String("version", Version))
		return nil
	},
}

// Execute runs the root command; errors exit with status 1.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./mend.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newFixCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newStatusCmd())
}
