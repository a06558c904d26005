package main

import (
	"github.com/kr/pretty"
	"github.com/spf13/cobra"

	"github.com/vito/thunk/pkg/ioctx"
	"github.com/vito/thunk/pkg/thunk"
)

func recordingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recording",
		Short: "Inspect recordings of impure builtin calls",
	}
	cmd.AddCommand(recordingShowCmd())
	return cmd
}

func recordingShowCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "show <file>",
		Short: "List the calls, sources and result of a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := thunk.ReadRecording(args[0])
			if err != nil {
				return err
			}
			w := ioctx.StdoutFromContext(cmd.Context())
			if raw {
				_, err := pretty.Fprintf(w, "%# v\n", a)
				return err
			}
			return a.Dump(w)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Dump the decoded artifact structure instead of the listing")
	return cmd
}
