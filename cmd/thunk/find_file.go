package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vito/thunk/pkg/ioctx"
	"github.com/vito/thunk/pkg/thunk"
)

func findFileCmd() *cobra.Command {
	var f sessionFlags

	cmd := &cobra.Command{
		Use:   "find-file <path>",
		Short: "Resolve a <path> lookup against the search path",
		Example: `  thunk find-file -I pkgs=./packages pkgs/lib
  THUNK_PATH=/srv/exprs thunk find-file default.thunk`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}

			var searchPath thunk.SearchPath
			for _, entry := range config.SearchPath {
				elem, err := thunk.ParseSearchPathElem(entry)
				if err != nil {
					return err
				}
				searchPath = append(searchPath, elem)
			}

			path, err := thunk.FindFile(searchPath, args[0], nil)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(ioctx.StdoutFromContext(cmd.Context()), path)
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&f.SearchPath, "include", "I", nil, "Add a search path entry (prefix=path or path)")
	return cmd
}
