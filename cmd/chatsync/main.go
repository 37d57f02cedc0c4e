// Command chatsync is a terminal client for the chat backend.
//
//	chatsync login --email alice@example.com --password secret
//	chatsync history 42
//	chatsync chat 42
//
// Settings come from --config (or CHATSYNC_CONFIG) and the CHATSYNC_*
// environment variables.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/christopherjohns/chatsync/internal/config"
	"github.com/christopherjohns/chatsync/internal/logging"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	token      string
	cfg        config.Config
	logger     *slog.Logger
}

func main() {
	if err := buildRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "chatsync",
		Short:        "Real-time chat client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New(cmd.ErrOrStderr(), cfg.Log)
			slog.SetDefault(a.logger)
			if a.token == "" {
				a.token = cfg.Client.Token
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("CHATSYNC_CONFIG"), "path to chatsync.yaml")
	root.PersistentFlags().StringVar(&a.token, "token", "", "bearer token (default: client.token or CHATSYNC_TOKEN)")

	root.AddCommand(
		buildLoginCmd(a),
		buildHistoryCmd(a),
		buildChatCmd(a),
	)
	return root
}
