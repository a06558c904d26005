package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vito/thunk/pkg/thunk"
)

// sessionFlags are the flags that override thunk.toml and THUNK_* settings.
type sessionFlags struct {
	SearchPath   []string
	Mode         string
	Recording    string
	StoreDir     string
	Restricted   bool
	MaxCallDepth int
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.SearchPath, "include", "I", nil, "Add a search path entry (prefix=path or path)")
	cmd.Flags().StringVar(&f.Mode, "mode", "", "Evaluation mode: normal, record, playback or record-and-playback")
	cmd.Flags().StringVar(&f.Recording, "recording", "", "Recording file to read in playback modes and write in record modes")
	cmd.Flags().StringVar(&f.StoreDir, "store-dir", "", "Directory holding the store (default: user cache dir)")
	cmd.Flags().BoolVar(&f.Restricted, "restricted", false, "Forbid access to files outside the search path")
	cmd.Flags().IntVar(&f.MaxCallDepth, "max-call-depth", 0, "Maximum function call depth")
}

// loadConfig merges, in increasing precedence, the nearest thunk.toml, the
// THUNK_* environment and the flags set on cmd. Search path entries given
// with -I are looked up first.
func loadConfig(cmd *cobra.Command, f *sessionFlags) (*thunk.ProjectConfig, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	path, config, err := thunk.FindProjectConfig(cwd)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = &thunk.ProjectConfig{}
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("mode") {
		config.Mode = f.Mode
	}
	if flags.Changed("recording") {
		config.Recording = f.Recording
	}
	if flags.Changed("store-dir") {
		config.StoreDir = f.StoreDir
	}
	if flags.Changed("restricted") {
		config.Restricted = f.Restricted
	}
	if flags.Changed("max-call-depth") {
		config.MaxCallDepth = f.MaxCallDepth
	}
	config.SearchPath = append(append([]string{}, f.SearchPath...), config.SearchPath...)

	if config.StoreDir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("no store directory configured: %w", err)
		}
		config.StoreDir = filepath.Join(cache, "thunk")
	}

	if path != "" {
		slog.Debug("loaded project config", "path", path)
	}
	return config, nil
}
