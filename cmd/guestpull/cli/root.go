// Package cli implements the guestpull command-line interface using Cobra.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/guestpull/internal/config"
	"github.com/majorcontext/guestpull/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "guestpull",
	Short: "guestpull - image pull agent for confidential guests",
	Long: `guestpull pulls container images inside a confidential guest and unpacks
them into runtime bundles. It runs as a long-lived agent ("guestpull serve")
and exposes a small API on a Unix socket that the other commands talk to.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv("GUESTPULL_CONFIG")
		}
		if configPath == "" {
			configPath = config.DefaultPath
		}

		if err := log.Init(log.Options{
			Verbose:    verbose,
			JSONFormat: jsonOut,
		}); err != nil {
			cmd.PrintErrf("Warning: failed to initialize logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging on stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the config file (default $GUESTPULL_CONFIG or "+config.DefaultPath+")")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
