package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storygate/internal/drift"
	"github.com/fyrsmithlabs/storygate/internal/gate"
	"github.com/fyrsmithlabs/storygate/internal/plan"
)

func newDriftCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect changes outside a story's patch plan",
		Long: `Compare the working tree with a story's snapshot and its declared files.

Severity is derived from the change counts: any critical file is critical,
many unlisted or structural changes are high, any other drift is medium.
High and critical reports are persisted together with an alarm file.

Examples:
  storygate drift detect STORY-12
  storygate drift detect STORY-12 src/extra.go
  storygate drift watch STORY-12`,
	}
	cmd.AddCommand(
		newDriftDetectCmd(opts),
		newDriftListCmd(opts),
		newDriftClearCmd(opts),
		newDriftWatchCmd(opts),
	)
	return cmd
}

// storyPlan loads the story's patch plan, or nil when it has none.
func storyPlan(a *app, storyID string) (*plan.PatchPlan, error) {
	p, err := plan.Load(filepath.Join(a.cfg.ArtifactPath("stories", storyID), gate.PatchPlanFile))
	if errors.Is(err, plan.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func newDriftDetectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <story> [expected...]",
		Short: "Run drift detection once",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			p, err := storyPlan(a, args[0])
			if err != nil {
				return err
			}
			report, err := a.detector.DetectPatchDrift(cmd.Context(), args[0], args[1:], p)
			if err != nil {
				return err
			}
			if err := newPrinter(cmd, opts).emit(report, func(w io.Writer) { writeDriftReport(w, report) }); err != nil {
				return err
			}
			if report.Severity == drift.SeverityCritical {
				return fmt.Errorf("%w: critical drift in %s", errViolation, args[0])
			}
			return nil
		}),
	}
}

func newDriftListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <story>",
		Short: "List persisted drift reports",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			reports, err := a.detector.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(reports, func(w io.Writer) {
				fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d drift reports for %s", len(reports), args[0])))
				for _, r := range reports {
					fmt.Fprintf(w, "  %s %s %s\n", r.Timestamp.Format("2006-01-02 15:04:05"), severityText(r.Severity),
						dimStyle.Render(fmt.Sprintf("%d unlisted, %d critical", len(r.DetectedChanges.Unlisted), len(r.DetectedChanges.Critical))))
				}
			})
		}),
	}
}

func newDriftClearCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <story>",
		Short: "Delete a story's drift reports and alarms",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			n, err := a.detector.Clear(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(map[string]int{"removed": n}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %d files\n", okStyle.Render("removed"), n)
			})
		}),
	}
}

func newDriftWatchCmd(opts *globalOptions) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch <story> [expected...]",
		Short: "Re-run drift detection whenever tracked files change",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			storyID := args[0]
			if !cmd.Flags().Changed("debounce") {
				debounce = a.cfg.Drift.WatchDebounce.Duration()
			}
			w, err := drift.NewWatcher(a.detector, storyID, args[1:],
				func() (*plan.PatchPlan, error) { return storyPlan(a, storyID) },
				debounce, a.log.Underlying().Named("watch"))
			if err != nil {
				return err
			}

			p := newPrinter(cmd, opts)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for report := range w.Reports() {
					_ = p.emit(report, func(out io.Writer) { writeDriftReport(out, report) })
				}
			}()

			fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("watching "+a.cfg.Paths.Root+" (ctrl-c to stop)"))
			err = w.Run(cmd.Context())
			<-done
			return err
		}),
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before re-checking (default drift.watch_debounce)")
	return cmd
}
