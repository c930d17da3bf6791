package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storygate/internal/executor"
)

func newStoryCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "story",
		Short: "Run a story's change cycle",
		Long: `Begin and finish a story.

begin locks the story and every file its patch plan declares, then captures
the baseline. finish runs the dev gate, rolls the story back if the gate
blocks, and releases the locks.

Examples:
  storygate story begin STORY-12
  # ... apply the change ...
  storygate story finish STORY-12`,
	}
	cmd.AddCommand(newStoryBeginCmd(opts), newStoryFinishCmd(opts))
	return cmd
}

func progressPrinter(cmd *cobra.Command, opts *globalOptions) executor.ProgressCallback {
	if opts.json {
		return nil
	}
	w := cmd.ErrOrStderr()
	return func(p executor.Progress) {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(string(p.Phase)), dimStyle.Render(p.Message))
	}
}

func newStoryBeginCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "begin <story> [path...]",
		Short: "Lock a story's files and capture its baseline",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			a.executor.OnProgress(progressPrinter(cmd, opts))
			sess, err := a.executor.Begin(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(sess, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", okStyle.Render("begun"), sess.StoryID)
				field(w, "Owner", sess.OwnerID)
				field(w, "Snapshot", sess.SnapshotID)
				list(w, "Declared", sess.Declared)
			})
		}),
	}
}

func newStoryFinishCmd(opts *globalOptions) *cobra.Command {
	var noRollback bool
	cmd := &cobra.Command{
		Use:   "finish <story>",
		Short: "Run the dev gate and release the story",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if noRollback {
				var err error
				a.executor, err = a.newExecutor(false)
				if err != nil {
					return err
				}
			}
			a.executor.OnProgress(progressPrinter(cmd, opts))
			out, err := a.executor.Finish(cmd.Context(), args[0])
			if out != nil {
				if perr := newPrinter(cmd, opts).emit(out, func(w io.Writer) {
					if out.Gate != nil {
						writeGateResult(w, out.Gate)
					}
					if out.Rollback != nil {
						writeRollbackLog(w, out.Rollback)
					}
					field(w, "Locks released", out.Released)
				}); perr != nil {
					return perr
				}
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&noRollback, "no-rollback", false, "keep the changes when the dev gate blocks")
	return cmd
}
