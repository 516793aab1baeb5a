// Command ringboardd runs the clipboard history daemon: it opens the
// on-disk store, binds the control socket, and services requests until
// a shutdown signal arrives. Wiring follows sakateka-yanet2's
// coordinator/cmd/coordinator/main.go: a single cobra root command, a
// zap logger, and an errgroup supervising the long-running goroutines.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/ringboard/ringboard/internal/config"
	"github.com/ringboard/ringboard/internal/lockfile"
	"github.com/ringboard/ringboard/internal/logging"
	"github.com/ringboard/ringboard/internal/reactor"
	"github.com/ringboard/ringboard/ringid"
	"github.com/ringboard/ringboard/store"
)

var cfg config.Config
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "ringboardd",
	Short: "Local clipboard history daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run()
	},
}

func init() {
	config.RegisterFlags(rootCmd, &cfg)
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.Resolve(&cfg); err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	log, atomicLevel, err := logging.Init(level)
	if err != nil {
		return err
	}
	defer log.Sync()
	_ = atomicLevel

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SockPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory %s: %w", filepath.Dir(cfg.SockPath), err)
	}

	guard, err := lockfile.Acquire(filepath.Join(cfg.DataDir, "server.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyRunning) {
			log.Errorw("refusing to start, another instance holds the lock", "error", err)
			os.Exit(1)
		}
		return fmt.Errorf("acquire single-instance lock: %w", err)
	}
	defer guard.Close()

	st, err := store.Open(cfg.DataDir, store.Capacities{
		ringid.Favorites: cfg.FavoritesCapacity,
		ringid.Main:      cfg.MainCapacity,
	}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	srv, err := reactor.New(cfg.SockPath, st, log)
	if err != nil {
		return fmt.Errorf("start reactor: %w", err)
	}
	defer srv.Close()

	pasteSrv, err := reactor.NewPasteServer(cfg.PasteSockPath, st, log)
	if err != nil {
		return fmt.Errorf("start paste server: %w", err)
	}
	defer pasteSrv.Close()

	log.Infow("ringboardd ready",
		"dataDir", cfg.DataDir,
		"sockPath", cfg.SockPath,
		"favoritesCapacity", cfg.FavoritesCapacity,
		"mainCapacity", cfg.MainCapacity,
	)

	var wg errgroup.Group
	wg.Go(func() error {
		if err := srv.Run(); err != nil {
			return fmt.Errorf("reactor stopped: %w", err)
		}
		log.Info("shutdown signal received, draining")
		pasteSrv.Close()
		return nil
	})
	wg.Go(func() error {
		if err := pasteSrv.Run(); err != nil {
			return fmt.Errorf("paste server stopped: %w", err)
		}
		return nil
	})

	if err := wg.Wait(); err != nil {
		return err
	}

	if err := st.Persist(); err != nil {
		return fmt.Errorf("persist free lists on shutdown: %w", err)
	}
	return nil
}
