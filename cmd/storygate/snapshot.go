package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storygate/internal/snapshot"
)

func newSnapshotCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture and compare story baselines",
		Long: `Manage story snapshots.

A snapshot records the content of every captured path, or that the path did
not exist. Only the current and one previous snapshot are kept per story.

Examples:
  storygate snapshot create STORY-12 src/app.go src/app_test.go
  storygate snapshot create STORY-12 --all
  storygate snapshot compare STORY-12
  storygate snapshot cleanup --days 7`,
	}
	cmd.AddCommand(
		newSnapshotCreateCmd(opts),
		newSnapshotListCmd(opts),
		newSnapshotShowCmd(opts),
		newSnapshotCompareCmd(opts),
		newLockStatusCmd(opts, "locks"),
		newLockReleaseCmd(opts, "unlock"),
		newSnapshotCleanupCmd(opts),
	)
	return cmd
}

func newSnapshotCreateCmd(opts *globalOptions) *cobra.Command {
	var all bool
	var reason string
	cmd := &cobra.Command{
		Use:   "create <story> [path...]",
		Short: "Capture a story's baseline",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			paths := args[1:]
			if all {
				tracked, err := a.scanner.Files(cmd.Context())
				if err != nil {
					return err
				}
				paths = append(paths, tracked...)
			}
			if len(paths) == 0 {
				return fmt.Errorf("no paths given; pass paths or --all")
			}
			meta := map[string]string{snapshot.MetaOwner: a.owner}
			if reason != "" {
				meta[snapshot.MetaReason] = reason
			}
			snap, err := a.snapshots.Create(cmd.Context(), args[0], paths, meta)
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(snap, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", okStyle.Render("snapshot"), snap.SnapshotID)
				field(w, "Story", snap.StoryID)
				field(w, "Files", len(snap.Files))
			})
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "capture every tracked file")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in metadata")
	return cmd
}

func newSnapshotListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stories with a current snapshot",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			summaries, err := a.snapshots.List(cmd.Context())
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(summaries, func(w io.Writer) {
				fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d snapshots", len(summaries))))
				for _, s := range summaries {
					prev := ""
					if s.HasPrevious {
						prev = " +previous"
					}
					fmt.Fprintf(w, "  %-20s %s %s\n", s.StoryID, s.SnapshotID,
						dimStyle.Render(fmt.Sprintf("%d files, %s%s", s.FileCount, s.Timestamp.Format("2006-01-02 15:04"), prev)))
				}
			})
		}),
	}
}

func newSnapshotShowCmd(opts *globalOptions) *cobra.Command {
	var previous bool
	cmd := &cobra.Command{
		Use:   "show <story>",
		Short: "Show a story's snapshot manifest",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			get := a.snapshots.Get
			if previous {
				get = a.snapshots.GetPrevious
			}
			snap, err := get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(snap, func(w io.Writer) {
				fmt.Fprintln(w, headerStyle.Render("Snapshot "+snap.SnapshotID))
				field(w, "Story", snap.StoryID)
				field(w, "Taken", snap.Timestamp.Format("2006-01-02 15:04:05"))
				keys := make([]string, 0, len(snap.Metadata))
				for k := range snap.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					field(w, k, snap.Metadata[k])
				}
				list(w, "Files", snap.Paths())
			})
		}),
	}
	cmd.Flags().BoolVar(&previous, "previous", false, "show the snapshot the current one replaced")
	return cmd
}

func newSnapshotCompareCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <story> [path...]",
		Short: "Compare files with the story's snapshot",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			cmp, err := a.snapshots.Compare(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(cmp, func(w io.Writer) {
				fmt.Fprintln(w, headerStyle.Render("Compare "+args[0]))
				list(w, "Modified", cmp.Modified)
				list(w, "New", cmp.New)
				list(w, "Deleted", cmp.Deleted)
				field(w, "Unchanged", len(cmp.Unchanged))
			})
		}),
	}
}

func newSnapshotCleanupCmd(opts *globalOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup [story]",
		Short: "Remove snapshots older than the retention window",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			story := ""
			if len(args) == 1 {
				story = args[0]
			}
			if !cmd.Flags().Changed("days") {
				days = a.cfg.Snapshot.RetentionDays
			}
			res, err := a.snapshots.Cleanup(cmd.Context(), story, days)
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "%s %d snapshots, %d content files\n",
					okStyle.Render("removed"), len(res.RemovedStories), res.RemovedContent)
			})
		}),
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default snapshot.retention_days)")
	return cmd
}
