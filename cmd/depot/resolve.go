package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	"github.com/sthetix/SwitchrootDepot/internal/placement"
	"github.com/sthetix/SwitchrootDepot/internal/progress"
)

var resolveRefresh bool

func createResolveCommand() *cobra.Command {
	resolveCmd := &cobra.Command{
		Use:   "resolve BUILD_ID",
		Short: "Show the files a build needs without downloading them",
		Args:  cobra.ExactArgs(1),
		RunE:  executeResolve,
	}

	resolveCmd.Flags().BoolVar(&resolveRefresh, "refresh", false, "Rescan every source, ignoring the cache")
	return resolveCmd
}

func executeResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	set, err := a.pipeline.Resolve(ctx, args[0], resolveRefresh)
	if err != nil {
		return &exitError{code: scanExitCode(ctx, err), err: err}
	}

	return printDownloadSet(cmd, a.cfg.DestDir, set)
}

func printDownloadSet(cmd *cobra.Command, root string, set build.DownloadSet) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tROLE\tSIZE\tDESTINATION")
	for _, job := range set.Jobs {
		dest, err := placement.Destination(job)
		if err != nil {
			dest = "! " + err.Error()
		} else {
			dest = filepath.Join(root, filepath.FromSlash(dest))
		}
		size := "?"
		if job.ExpectedSize > 0 {
			size = progress.FormatBytes(job.ExpectedSize)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", job.Name, job.Role, size, dest)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "[depot] %s: %d files, %s\n",
		set.Selection.ID, len(set.Jobs), progress.FormatBytes(set.TotalBytes()))
	return nil
}
