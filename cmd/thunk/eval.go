package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/kr/pretty"
	"github.com/spf13/cobra"

	"github.com/vito/thunk/pkg/ioctx"
	"github.com/vito/thunk/pkg/store"
	"github.com/vito/thunk/pkg/thunk"
)

type evalFlags struct {
	sessionFlags

	Expr      string
	Args      []string
	ArgStrs   []string
	IntoStore bool
	Build     bool
	Parse     bool
	Stats     bool
}

func evalCmd() *cobra.Command {
	var f evalFlags

	cmd := &cobra.Command{
		Use:   "eval [flags] [file]",
		Short: "Evaluate a file or expression and print the result",
		Example: `  thunk eval ./default.thunk
  thunk eval -E 'builtins.readFile ./hello.txt'
  thunk eval --arg n=3 --argstr name=world ./fn.thunk
  thunk eval --mode record --into-store ./default.thunk`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Expr == "" && len(args) == 0 {
				return errors.New("expected a file to evaluate or --expr")
			}
			if f.Expr != "" && len(args) > 0 {
				return errors.New("cannot evaluate both a file and --expr")
			}
			config, err := loadConfig(cmd, &f.sessionFlags)
			if err != nil {
				return err
			}
			var file string
			if len(args) > 0 {
				file = args[0]
			}
			return runEval(cmd.Context(), config, &f, file)
		},
	}

	f.sessionFlags.register(cmd)
	cmd.Flags().StringVarP(&f.Expr, "expr", "E", "", "Evaluate this expression instead of a file")
	cmd.Flags().StringArrayVar(&f.Args, "arg", nil, "Pass name=expr to the top-level function")
	cmd.Flags().StringArrayVar(&f.ArgStrs, "argstr", nil, "Pass name=string to the top-level function")
	cmd.Flags().BoolVar(&f.IntoStore, "into-store", false, "Write the recording into the store and print its path")
	cmd.Flags().BoolVar(&f.Build, "build", false, "Realize the recording and its sources after writing it into the store")
	cmd.Flags().BoolVar(&f.Parse, "parse", false, "Dump the parsed expression to stderr")
	cmd.Flags().BoolVar(&f.Stats, "stats", false, "Dump evaluation counters to stderr")

	return cmd
}

func runEval(ctx context.Context, config *thunk.ProjectConfig, f *evalFlags, file string) error {
	mode, err := config.EvalMode()
	if err != nil {
		return err
	}
	records := mode == thunk.ModeRecord || mode == thunk.ModeRecordAndPlayback

	if records && !f.IntoStore && config.Recording == "" {
		return fmt.Errorf("%s mode needs --recording or --into-store", mode)
	}

	recording, err := readRecording(config.Recording, mode)
	if err != nil {
		return err
	}

	local, err := store.Open(ctx, store.Config{Dir: config.StoreDir})
	if err != nil {
		return err
	}
	defer local.Close()

	st, err := thunk.NewEvalState(ctx, thunk.Options{
		Mode:         mode,
		Store:        local,
		SearchPath:   config.SearchPath,
		Recording:    recording,
		Restricted:   config.Restricted,
		MaxCallDepth: config.MaxCallDepth,
		CountCalls:   f.Stats,
	})
	if err != nil {
		return err
	}
	publishStats(st)
	defer publishStats(st)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	var top *thunk.Value
	if f.Expr != "" {
		expr, err := st.ParseExprFromString(f.Expr, cwd)
		if err != nil {
			return err
		}
		dumpExpr(ctx, f, expr)
		top, err = st.Eval(ctx, expr)
		if err != nil {
			return err
		}
	} else {
		if f.Parse {
			expr, err := st.ParseExprFromFileWithoutRecording(file)
			if err != nil {
				return err
			}
			dumpExpr(ctx, f, expr)
		}
		top, err = st.EvalFile(ctx, file, nil)
		if err != nil {
			return err
		}
	}

	autoArgs, err := autoCallArgs(ctx, st, f, cwd)
	if err != nil {
		return err
	}
	result := st.NewValue()
	if err := st.AutoCallFunction(ctx, autoArgs, top, result); err != nil {
		return err
	}

	out, err := st.ParameterValue(ctx, result, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(ioctx.StdoutFromContext(ctx), out)

	if records {
		if err := writeRecording(ctx, st, result, config.Recording, f); err != nil {
			return err
		}
	}

	if f.Stats {
		pretty.Fprintf(ioctx.StderrFromContext(ctx), "%# v\n", st.Stats())
	}
	return nil
}

// readRecording loads the artifact replayed in playback modes. A missing
// file is fine in record-and-playback mode, which starts from scratch.
func readRecording(path string, mode thunk.Mode) (*thunk.RecordingArtifact, error) {
	switch mode {
	case thunk.ModePlayback:
		if path == "" {
			return nil, errors.New("playback mode needs --recording")
		}
		return thunk.ReadRecording(path)
	case thunk.ModeRecordAndPlayback:
		if path == "" {
			return nil, nil
		}
		a, err := thunk.ReadRecording(path)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no recording yet", "path", path)
			return nil, nil
		}
		return a, err
	}
	return nil, nil
}

func writeRecording(ctx context.Context, st *thunk.EvalState, result *thunk.Value, path string, f *evalFlags) error {
	if f.IntoStore {
		storePath, err := st.WriteRecordingIntoStore(ctx, result, f.Build)
		if err != nil {
			return err
		}
		fmt.Fprintln(ioctx.StderrFromContext(ctx), storePath)
		if path == "" {
			return nil
		}
	}

	a, err := st.FinalizeRecording(ctx, result)
	if err != nil {
		return err
	}
	data, err := a.Marshal()
	if err != nil {
		return fmt.Errorf("encode recording: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	slog.Info("wrote recording", "path", path, "entries", len(a.Entries), "sources", len(a.Sources))
	return nil
}

// autoCallArgs builds the argument set for --arg and --argstr. --arg values
// are expressions evaluated relative to cwd.
func autoCallArgs(ctx context.Context, st *thunk.EvalState, f *evalFlags, cwd string) (*thunk.Bindings, error) {
	args := st.NewValue()
	st.MkAttrs(args, len(f.Args)+len(f.ArgStrs))

	for _, arg := range f.Args {
		name, src, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("--arg %q: expected name=expr", arg)
		}
		expr, err := st.ParseExprFromString(src, cwd)
		if err != nil {
			return nil, fmt.Errorf("--arg %s: %w", name, err)
		}
		v, err := st.Eval(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("--arg %s: %w", name, err)
		}
		*st.AllocAttr(args, name) = *v
	}

	for _, arg := range f.ArgStrs {
		name, s, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("--argstr %q: expected name=string", arg)
		}
		st.AllocAttr(args, name).MkString(s, nil)
	}

	args.Attrs().Sort()
	return args.Attrs(), nil
}

func dumpExpr(ctx context.Context, f *evalFlags, expr thunk.Expr) {
	if f.Parse {
		pretty.Fprintf(ioctx.StderrFromContext(ctx), "%# v\n", expr)
	}
}
