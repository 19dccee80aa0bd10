package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trase/splitgraph/internal/audit"
	"github.com/trase/splitgraph/internal/checkout"
	"github.com/trase/splitgraph/internal/commit"
	"github.com/trase/splitgraph/internal/diffengine"
	"github.com/trase/splitgraph/internal/engineconfig"
	"github.com/trase/splitgraph/internal/fragment"
	"github.com/trase/splitgraph/internal/image"
	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/syncengine"
)

// engine bundles every component a subcommand needs, wired once in
// rootCmd's PersistentPreRunE and torn down in PersistentPostRunE.
type engine struct {
	cfg    *engineconfig.Config
	store  *objstore.Store
	images *image.Manager
	frags  *fragment.Manager
	audit  *audit.Facade
	mat    *checkout.Materializer
	commit *commit.Engine
	diff   *diffengine.Engine
	sync   *syncengine.Engine
}

var (
	rootCtx    context.Context
	rootCancel context.CancelFunc

	cfgFile string
	dsnFlag string
	log     *slog.Logger

	eng *engine
)

var rootCmd = &cobra.Command{
	Use:   "sgr",
	Short: "sgr - versioned tabular data storage engine",
	Long: `sgr manages versioned, content-addressed snapshots of tables in a
relational backing store: commits, checkouts, diffs and sync between
repositories, each stored as its own PostgreSQL schema.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

		v := viper.New()
		if dsnFlag != "" {
			v.Set("engine.connection", dsnFlag)
		}
		cfg, err := engineconfig.Load(cfgFile, v)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		store, err := objstore.Open(rootCtx, cfg.Connection, objstore.Options{Logger: log})
		if err != nil {
			return sgerrors.Transportf("connecting to %s: %v", cfg.Connection, err)
		}

		images := image.New(store)
		frags := fragment.New(store, cfg.DefaultChunkSize)
		auditLog := audit.New(store.Pool(), log)
		mat := checkout.New(store)
		commitEngine := commit.New(store, images, frags, auditLog, mat)
		diffEngine := diffengine.New(store, images, mat, auditLog)
		syncEngine := syncengine.New(nil)

		eng = &engine{
			cfg: cfg, store: store, images: images, frags: frags,
			audit: auditLog, mat: mat, commit: commitEngine, diff: diffEngine, sync: syncEngine,
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if eng != nil {
			eng.store.Close()
		}
		rootCancel()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to .sgconfig TOML file")
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "backing-store connection string (overrides config)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(uncheckoutCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(deleteCmd)
}

// exitCode maps the sgerrors taxonomy to spec.md §6's exit codes: 1 for
// user error, 2 for engine/transport failure, 0 handled by caller.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, sgerrors.ErrCheckoutConflict),
		errors.Is(err, sgerrors.ErrNotFound),
		errors.Is(err, sgerrors.ErrClash),
		errors.Is(err, sgerrors.ErrInvalidArgument):
		return 1
	default:
		return 2
	}
}

func parseRepoArg(arg string) sgtypes.RepoRef {
	repo := sgtypes.ParseRepoRef(arg)
	if repo.Namespace == "" {
		repo.Namespace = eng.cfg.DefaultNamespace
	}
	return repo
}
