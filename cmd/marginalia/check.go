package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/bridge"
)

// errDesynchronized is returned when a document and the store disagree; the report is already printed.
var errDesynchronized = errors.New("documents out of sync with the annotation store")

func (app *cli) newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [path...]",
		Short: "Report annotations out of sync with their documents",
		Long: "Reconciles each document against the annotation store. Without arguments every " +
			"Markdown and text document in the workspace is checked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := app.loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, appConfig, logger, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			var paths []annotations.DocumentPath
			if len(args) == 0 {
				paths, err = rt.workspace.Walk(ctx, nil)
				if err != nil {
					return err
				}
			} else {
				for _, arg := range args {
					path, err := annotations.NewDocumentPath(arg)
					if err != nil {
						return err
					}
					paths = append(paths, path)
				}
			}

			out := cmd.OutOrStdout()
			desynchronized := 0
			for _, path := range paths {
				snapshot, err := rt.bridge.AnchorsForPath(ctx, path)
				if err != nil {
					return err
				}
				if !reportSnapshot(out, snapshot) {
					desynchronized++
				}
			}
			fmt.Fprintf(out, "%d documents checked, %d out of sync\n", len(paths), desynchronized)
			if desynchronized > 0 {
				return errDesynchronized
			}
			return nil
		},
	}
}

// reportSnapshot prints one line per finding and reports whether the document is clean.
func reportSnapshot(out io.Writer, snapshot bridge.Snapshot) bool {
	diagnostics := snapshot.Diagnostics
	if diagnostics.Clean() {
		fmt.Fprintf(out, "ok         %s (%d anchors)\n", snapshot.Path, len(snapshot.Anchors))
		return true
	}
	for _, id := range diagnostics.OrphanIDs {
		fmt.Fprintf(out, "orphan     %s marker %d has no stored comment\n", snapshot.Path, id)
	}
	for _, id := range diagnostics.DuplicateIDs {
		fmt.Fprintf(out, "duplicate  %s marker %d appears more than once\n", snapshot.Path, id)
	}
	for _, id := range diagnostics.UnanchoredIDs {
		fmt.Fprintf(out, "unanchored %s comment %d has no marker\n", snapshot.Path, id)
	}
	for _, span := range diagnostics.MalformedSpans {
		fmt.Fprintf(out, "malformed  %s marker at byte %d has an unusable id\n", snapshot.Path, span.Start)
	}
	return false
}
