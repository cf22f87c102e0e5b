package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ucphhpc/accountd/pkg/api"
	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/logger"
)

// newServeCmd creates the command that runs the account daemon.
func newServeCmd() *cobra.Command {
	var configPath string
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the account lifecycle daemon",
		Long: `Start the HTTP service serving the account action, password reset, account
removal, logout and OpenID discovery endpoints behind the front-end proxy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Infof("Starting accountd on %s", address)
			return api.Serve(ctx, cfg, address)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to the accountd configuration file")
	cmd.Flags().StringVar(&address, "address", "127.0.0.1:8446", "Address for the daemon to listen on")

	return cmd
}
