// Package cmd defines the apimapper command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/app"
	"github.com/JakeFAU/apimapper/internal/config"
	"github.com/JakeFAU/apimapper/internal/logging"
	pkgconfig "github.com/JakeFAU/apimapper/pkg/config"
)

// Runner executes one mapping pass.
type Runner interface {
	Run(ctx context.Context) (app.Result, error)
	Close() error
}

// newRunner is the application factory. Tests replace it.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

// newLogger is swapped in tests to keep output quiet.
var newLogger = logging.New

type rootOptions struct {
	cfgFile string
	v       *viper.Viper
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "apimapper",
		Short: "Map the surface of an undocumented JSON API.",
		Long: `apimapper classifies every endpoint found in a list of seed URLs,
drains paginated collections and follows links between resources on a
single authorized host, writing everything it sees to NDJSON files.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default searches ., /etc/apimapper, $HOME/.apimapper)")

	cmd.AddCommand(newMapCmd(opts))
	cmd.AddCommand(newClassifyCmd(opts))
	cmd.AddCommand(newCanonicalizeCmd())
	return cmd
}

// load reads configuration after flags are parsed.
func (o *rootOptions) load() (config.Config, error) {
	if err := pkgconfig.Init(o.v, o.cfgFile, nil); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.FromViper(o.v)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
