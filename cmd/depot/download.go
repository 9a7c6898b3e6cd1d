package main

import (
	"github.com/spf13/cobra"

	"github.com/sthetix/SwitchrootDepot/internal/pipeline"
)

// Download command flags
var (
	downloadRefresh    bool
	downloadNoProgress bool
)

func createDownloadCommand() *cobra.Command {
	downloadCmd := &cobra.Command{
		Use:   "download BUILD_ID",
		Short: "Download a build with its companion files and lay them out",
		Long: `Download resolves BUILD_ID against the catalog, fetches every file with
parallel ranged requests and places each one under the destination directory
as soon as it completes. A failed file does not stop the others.

Exit status is 0 when every file was placed, 5 when only some were, and
non-zero otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: executeDownload,
	}

	downloadCmd.Flags().BoolVar(&downloadRefresh, "refresh", false, "Rescan every source, ignoring the cache")
	downloadCmd.Flags().BoolVar(&downloadNoProgress, "no-progress", false, "Do not draw a progress bar")
	return downloadCmd
}

func executeDownload(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	r := newRenderer(cmd.ErrOrStderr(), !downloadNoProgress)
	a, err := newApp(ctx, r)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.pipeline.Run(ctx, args[0], downloadRefresh)
	return resultError(ctx.Err() != nil, res)
}

// resultError maps a run result to the command's exit status. The renderer
// already reported the details, so only the code is carried.
func resultError(interrupted bool, res pipeline.Result) error {
	switch {
	case res.Status == pipeline.StatusSuccess:
		return nil
	case interrupted:
		return &exitError{code: ExitInterrupted}
	case res.Status == pipeline.StatusPartial:
		return &exitError{code: ExitPartial}
	case res.Err != nil:
		return &exitError{code: failureCode(res.Err)}
	default:
		return &exitError{code: ExitGeneralError}
	}
}
