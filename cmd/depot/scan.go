package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	"github.com/sthetix/SwitchrootDepot/internal/progress"
)

// Scan command flags
var (
	scanRefresh bool
	scanFamily  string
)

func createScanCommand() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List the builds available from every catalog source",
		Long: `Scan prints the catalog. A cached catalog younger than cache_ttl is used
without network access unless --refresh is given. Sources that could not be
reached are listed as stale; their entries come from the previous catalog.`,
		Args: cobra.NoArgs,
		RunE: executeScan,
	}

	scanCmd.Flags().BoolVar(&scanRefresh, "refresh", false, "Rescan every source, ignoring the cache")
	scanCmd.Flags().StringVar(&scanFamily, "family", "", "Only list one family: linux, lineageos or gapps")
	return scanCmd
}

func executeScan(cmd *cobra.Command, _ []string) error {
	var family build.Family
	if scanFamily != "" {
		f, err := build.ParseFamily(scanFamily)
		if err != nil {
			return &exitError{code: ExitInvalidArgs, err: err}
		}
		family = f
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.pipeline.Scan(ctx, scanRefresh)
	if err != nil {
		return &exitError{code: scanExitCode(ctx, err), err: err}
	}

	entries := snap.Entries()
	if family != "" {
		entries = snap.Family(family)
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tSIZE\tPUBLISHED")
	for _, e := range entries {
		published := "-"
		if !e.PublishedAt.IsZero() {
			published = e.PublishedAt.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Version, progress.FormatBytes(e.SizeBytes), published)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "[depot] %d builds from %d sources, fetched %s\n",
		len(entries), len(snap.Sources), snap.FetchedAt.Local().Format("2006-01-02 15:04"))
	for _, id := range snap.Stale {
		fmt.Fprintf(cmd.ErrOrStderr(), "[depot] Warning: source %s unavailable, showing cached entries\n", id)
	}
	return nil
}
