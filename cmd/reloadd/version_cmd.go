package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"pkt.systems/reloadd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the reloadd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			if !verbose {
				return nil
			}
			fmt.Fprintf(out, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			if rev := version.Revision(); rev != "" {
				fmt.Fprintf(out, "commit: %s\n", rev)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "also print toolchain and commit details")
	return cmd
}
