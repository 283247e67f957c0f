package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/kiroku/internal/config"
	"github.com/harunnryd/kiroku/internal/logger"

	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "kiroku",
	Short: "Kiroku agent runtime",
	Long:  `Kiroku drives conversations between a user, model providers, and tools, recording every state transition as an immutable event.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default is $HOME/.kiroku/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("workspace.id", config.DefaultWorkspaceID, "workspace id")
	rootCmd.PersistentFlags().String("workspace.project_path", "", "project directory tools run against (default: cwd)")
	rootCmd.PersistentFlags().String("models.default", config.DefaultModelDefault, "default model")
}
