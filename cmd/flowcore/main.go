package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/config"
	"github.com/rendis/flowcore/internal/logging"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/flowcore/
var version = "dev"

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "flowcore",
		Short:         "Run declarative workflows",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "settings file (default ~/.flowcore/settings.json)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the settings")
	flags.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		runCmd(opts),
		validateCmd(),
		serveCmd(opts),
		statusCmd(opts),
		resumeCmd(opts),
		cancelCmd(opts),
		mcpCmd(opts),
		secretCmd(opts),
		diagramCmd(opts),
	)
	return root
}

// loadConfig applies the dotenv file to the environment and loads the settings.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", o.envFile, err)
		}
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

// open loads the settings and wires an app. Callers close it.
func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return newApp(cmd.Context(), cfg, logger)
}
