package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/vito/thunk/pkg/ioctx"
	"github.com/vito/thunk/pkg/thunk"
)

// Config holds the flags shared by every command
type Config struct {
	Debug     bool
	DebugAddr string
}

func main() {
	var cfg Config

	rootCmd := &cobra.Command{
		Use:   "thunk",
		Short: "Lazy expression evaluator with recorded side effects",
		Long: `thunk evaluates lazy, purely functional configuration expressions.

Impure builtins such as readFile or getEnv can be recorded during one
evaluation and played back in a later one, making the result reproducible
without access to the original files or environment.`,
		Example: `  # Evaluate a file
  thunk eval ./default.thunk

  # Evaluate an expression
  thunk eval -E '1 + 2'

  # Record impure calls, then replay them
  thunk eval --mode record --recording rec.cbor ./default.thunk
  thunk eval --mode playback --recording rec.cbor ./default.thunk

  # Inspect a recording
  thunk recording show rec.cbor`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cfg.Debug)
			if cfg.DebugAddr != "" {
				return setupDebugHandlers(cfg.DebugAddr)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&cfg.Debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cfg.DebugAddr, "debug-addr", "", "Serve pprof and expvar handlers on this address")

	rootCmd.AddCommand(evalCmd())
	rootCmd.AddCommand(recordingCmd())
	rootCmd.AddCommand(findFileCmd())

	ctx := context.Background()
	ctx = ioctx.StdoutToContext(ctx, os.Stdout)
	ctx = ioctx.StderrToContext(ctx, os.Stderr)
	ctx = ioctx.GetenvToContext(ctx, os.Getenv)
	if err := fang.Execute(ctx, rootCmd,
		fang.WithVersion("v0.1.0"),
		fang.WithCommit("dev"),
		fang.WithErrorHandler(printError),
	); err != nil {
		os.Exit(1)
	}
}

// printError prints err with a source excerpt when it has a location,
// colored if w is a terminal.
func printError(w io.Writer, _ fang.Styles, err error) {
	err = thunk.WithSource(err)
	var srcErr *thunk.SourceError
	if errors.As(err, &srcErr) {
		f, ok := w.(*os.File)
		_, _ = fmt.Fprintln(w, srcErr.Format(ok && isatty.IsTerminal(f.Fd())))
		return
	}
	_, _ = fmt.Fprintln(w, err)
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}
