package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/server"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the download service and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := e.config()
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			e.logger.Info("serving", zap.Int("port", cfg.Server.Port))
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int("port", 0, "HTTP listen port")
	flags.Int("workers", 0, "number of download workers")
	bindFlags(v, flags.Lookup, map[string]string{
		"server.port":   "port",
		"queue.workers": "workers",
	})
	return cmd
}
