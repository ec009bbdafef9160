// Package cli implements the gasoline admin tool.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/petrijr/gasoline/internal/config"
	"github.com/petrijr/gasoline/internal/persistence"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format      string // "text" | "json" | "yaml"
	ConfigFile  string
	DatabaseURL string

	// DB is used instead of opening DatabaseURL when set.
	DB *persistence.Database
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts == nil {
		opts = &RootOptions{}
	}

	cmd := &cobra.Command{
		Use:   "gasoline",
		Short: "Durable workflows and the epoxy replicated store",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", "", "overrides DATABASE_URL")

	cmd.AddCommand(NewWorkflowCommand(opts))
	cmd.AddCommand(NewEpoxyCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// LoadConfig reads --config, or config.yaml and the environment, and
// applies --database-url.
func (o *RootOptions) LoadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigFile != "" {
		cfg, err = config.LoadFile(o.ConfigFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if o.DatabaseURL != "" {
		cfg.DatabaseURL = o.DatabaseURL
	}
	return cfg, nil
}

// database opens the workflow database. The returned func closes it.
func (o *RootOptions) database(ctx context.Context) (*persistence.Database, func(), error) {
	if o.DB != nil {
		return o.DB, func() {}, nil
	}
	cfg, err := o.LoadConfig()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := slog.New(slog.DiscardHandler)
	store, err := config.OpenKV(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	db := persistence.New(store, persistence.Options{
		Namespace: []byte(cfg.Namespace),
		LeaseTTL:  cfg.LeaseTTL(),
		Logger:    logger,
	})
	return db, func() { _ = store.Close() }, nil
}
