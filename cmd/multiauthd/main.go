// Command multiauthd serves the multiauth HTTP API.
//
//	multiauthd serve   --config multiauth.yaml
//	multiauthd migrate --config multiauth.yaml
//	multiauthd bench   --sessions 10000
package main

import (
	"fmt"
	"os"

	"github.com/MrEthical07/multiauth/internal/config"
	"github.com/MrEthical07/multiauth/internal/logger"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "multiauthd",
		Short:         "Multi-account authentication service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(".env")
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("MULTIAUTH_CONFIG"), "path to the YAML config (env MULTIAUTH_CONFIG)")

	root.AddCommand(
		serveCmd(&cfgPath),
		migrateCmd(&cfgPath),
		benchCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "multiauthd:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and initialises the process logger from it.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.Init(logger.Config{
		Env:         cfg.Log.Env,
		Level:       cfg.Log.Level,
		ServiceName: cfg.App.Name,
		Version:     version,
	})
	return cfg, nil
}
