// Package cmd defines the chapterd command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/config"
	"github.com/JakeFAU/chapterd/internal/logging"
)

// envKeyType keys the command environment stored in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what the root command prepares for its subcommands.
type env struct {
	v      *viper.Viper
	logger *zap.Logger
}

func (e *env) config() (config.Config, error) {
	cfg, err := config.Decode(e.v)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// newRootCmd creates and configures the root command around v.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "chapterd",
		Short: "Resumable chapter and image downloader",
		Long: `chapterd walks a work's chapters through an authenticated session,
downloads every image and records progress so an interrupted download
picks up where it left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Development: v.GetBool("logging.development"),
				Level:       v.GetString("logging.level"),
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{v: v, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := resolveEnv(cmd.Context()); err == nil {
				_ = e.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	flags.String("root", "", "downloads root directory")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("dev", false, "human-readable development logging")
	bindFlags(v, flags.Lookup, map[string]string{
		"downloads.root":      "root",
		"logging.level":       "log-level",
		"logging.development": "dev",
	})

	cmd.AddCommand(newServeCmd(v), newDownloadCmd(v), newProgressCmd(), newForgetCmd(), newWorksCmd())
	return cmd
}

// Execute runs the command line under ctx.
func Execute(ctx context.Context) error {
	return newRootCmd(config.New()).ExecuteContext(ctx)
}
