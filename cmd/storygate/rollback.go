package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storygate/internal/rollback"
)

func newRollbackCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a story's files from its snapshot",
		Long: `Roll a story back to its baseline snapshot.

The current files are backed up first, then every captured file is restored
and files created after the snapshot are deleted. Each attempt is recorded as
a rollback log.

Examples:
  storygate rollback execute STORY-12
  storygate rollback execute STORY-12 --vcs
  storygate rollback status STORY-12`,
	}
	cmd.AddCommand(
		newRollbackExecuteCmd(opts),
		newRollbackListCmd(opts),
		newRollbackShowCmd(opts),
		newRollbackStatusCmd(opts),
	)
	return cmd
}

func newRollbackExecuteCmd(opts *globalOptions) *cobra.Command {
	var noCleanup, restoreVCS bool
	var reason string
	cmd := &cobra.Command{
		Use:   "execute <story>",
		Short: "Run a rollback",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			ro := rollback.Options{
				OwnerID:          a.owner,
				LockTimeout:      a.cfg.Lock.DefaultTimeout.Duration(),
				CleanupArtifacts: a.cfg.Rollback.CleanupArtifacts && !noCleanup,
				RestoreVCS:       a.cfg.Rollback.RestoreVCS || restoreVCS,
				Reason:           reason,
			}
			l, err := a.rollbacks.Execute(cmd.Context(), args[0], ro)
			if l != nil {
				if perr := newPrinter(cmd, opts).emit(l, func(w io.Writer) { writeRollbackLog(w, l) }); perr != nil {
					return perr
				}
			}
			if errors.Is(err, rollback.ErrPartial) {
				return fmt.Errorf("%w: %w", errViolation, err)
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&noCleanup, "no-cleanup", false, "keep the story's generated artifacts")
	cmd.Flags().BoolVar(&restoreVCS, "vcs", false, "reset HEAD to the snapshot's commit")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded in logs")
	return cmd
}

func newRollbackListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <story>",
		Short: "List a story's rollback logs",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			logs, err := a.rollbacks.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(logs, func(w io.Writer) {
				fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d rollbacks for %s", len(logs), args[0])))
				for _, l := range logs {
					fmt.Fprintf(w, "  %s %s %s\n", l.RollbackID, rollbackStatusText(l.Status),
						dimStyle.Render(l.Timestamp.Format("2006-01-02 15:04:05")))
				}
			})
		}),
	}
}

func newRollbackShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <story> <rollback-id>",
		Short: "Show one rollback log",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			l, err := a.rollbacks.Show(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(l, func(w io.Writer) { writeRollbackLog(w, l) })
		}),
	}
}

func newRollbackStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <story>",
		Short: "Show the latest rollback of a story",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			l, err := a.rollbacks.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(l, func(w io.Writer) { writeRollbackLog(w, l) })
		}),
	}
}
