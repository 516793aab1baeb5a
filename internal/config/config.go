// Package config defines the server's typed configuration surface and
// wires it to cobra flags, matching the flag-binding style of
// sakateka-yanet2's coordinator/cmd/coordinator command. There is no
// config-file parser here: spec.md §1 puts that layer out of scope.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ringboard/ringboard/ringid"
	"github.com/ringboard/ringboard/ringfile"
)

// Config is the server's fully-resolved runtime configuration.
type Config struct {
	DataDir            string
	SockPath           string
	PasteSockPath      string
	FavoritesCapacity  uint32
	MainCapacity       uint32
}

// RegisterFlags binds cfg's fields to rootCmd's flag set. Defaults are
// resolved lazily in Resolve, since the data-dir default depends on
// XDG_DATA_HOME/HOME and the sock-path default depends on
// RINGBOARD_SOCK and the running user's uid.
func RegisterFlags(cmd *cobra.Command, cfg *Config) {
	cmd.Flags().StringVar(&cfg.DataDir, "data-dir", "", "Directory holding the ring, bucket, and direct-entry files (default: $XDG_DATA_HOME/ringboard or ~/.local/share/ringboard)")
	cmd.Flags().Uint32Var(&cfg.FavoritesCapacity, "favorites-capacity", ringid.Favorites.DefaultCapacity(), "Maximum entry count for the favorites ring")
	cmd.Flags().Uint32Var(&cfg.MainCapacity, "main-capacity", ringid.Main.DefaultCapacity(), "Maximum entry count for the main ring")
}

// Resolve fills in every default Config needs and validates capacities,
// reading RINGBOARD_SOCK and XDG_DATA_HOME from the environment per
// spec.md §6.
func Resolve(cfg *Config) error {
	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return err
		}
		cfg.DataDir = dir
	}

	if cfg.SockPath == "" {
		cfg.SockPath = os.Getenv("RINGBOARD_SOCK")
	}
	if cfg.SockPath == "" {
		sock, err := defaultSockPath()
		if err != nil {
			return err
		}
		cfg.SockPath = sock
	}
	if cfg.PasteSockPath == "" {
		cfg.PasteSockPath = cfg.SockPath + ".paste"
	}

	if err := clampCapacity(&cfg.FavoritesCapacity); err != nil {
		return fmt.Errorf("config: favorites-capacity: %w", err)
	}
	if err := clampCapacity(&cfg.MainCapacity); err != nil {
		return fmt.Errorf("config: main-capacity: %w", err)
	}
	return nil
}

func clampCapacity(cap *uint32) error {
	if *cap == 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if *cap > ringfile.MaxEntries {
		*cap = ringfile.MaxEntries
	}
	return nil
}

func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "ringboard"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ringboard"), nil
}

// defaultSockPath names the control socket after the running user's
// uid under /tmp/.ringboard/, e.g. /tmp/.ringboard/1000.sock. spec.md
// §6 names this <user>.ch; this implementation uses <uid>.sock instead
// (see DESIGN.md's Open Questions resolution).
func defaultSockPath() (string, error) {
	return filepath.Join("/tmp", ".ringboard", fmt.Sprintf("%d.sock", os.Getuid())), nil
}
