package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storygate/internal/lock"
)

func newLockCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release and inspect file locks",
		Long: `Manage cross-process file locks.

Locks are descriptor files under the state directory keyed by the hash of the
normalized path. A lock older than its lease is stale and may be taken over.

Examples:
  storygate lock acquire src/app.go --timeout 2m
  storygate lock acquire src/app.go --wait 30s
  storygate lock release src/app.go
  storygate lock status`,
	}
	cmd.AddCommand(
		newLockAcquireCmd(opts),
		newLockReleaseCmd(opts, "release"),
		newLockStatusCmd(opts, "status"),
		newLockCleanupCmd(opts),
	)
	return cmd
}

func newLockAcquireCmd(opts *globalOptions) *cobra.Command {
	var lease, wait time.Duration
	cmd := &cobra.Command{
		Use:   "acquire <path>",
		Short: "Acquire a lock on a path",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if !cmd.Flags().Changed("wait") {
				wait = a.cfg.Lock.WaitTimeout.Duration()
			}
			l, err := lock.AcquireWithRetry(cmd.Context(), a.locks, args[0], a.owner,
				lease, a.cfg.Lock.RetryInterval.Duration(), wait)
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(l, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", okStyle.Render("locked"), l.FilePath)
				field(w, "Lock", l.LockID)
				field(w, "Owner", l.OwnerID)
				field(w, "Lease", l.Timeout())
			})
		}),
	}
	cmd.Flags().DurationVar(&lease, "timeout", 0, "lease duration (default lock.default_timeout)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep retrying a held lock for this long")
	return cmd
}

func newLockReleaseCmd(opts *globalOptions, use string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <path>",
		Short: "Release a lock held by this owner",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			released, err := a.locks.Release(cmd.Context(), args[0], a.owner)
			if err != nil {
				return err
			}
			out := map[string]any{"path": args[0], "released": released}
			return newPrinter(cmd, opts).emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", okStyle.Render("released"), args[0])
			})
		}),
	}
}

func newLockStatusCmd(opts *globalOptions, use string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "List active locks and remove stale ones",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			st, err := a.locks.Status(cmd.Context())
			if err != nil {
				return err
			}
			now := time.Now()
			return newPrinter(cmd, opts).emit(st, func(w io.Writer) {
				fmt.Fprintf(w, "%s\n", headerStyle.Render(fmt.Sprintf("%d active locks", len(st.ActiveLocks))))
				for _, l := range st.ActiveLocks {
					fmt.Fprintf(w, "  %s %s %s\n", l.FilePath, labelStyle.Render(l.OwnerID),
						dimStyle.Render(fmt.Sprintf("age %s of %s, pid %d",
							l.Age(now).Truncate(time.Second), l.Timeout(), l.HolderProcessID)))
				}
				if st.StaleCount > 0 {
					fmt.Fprintf(w, "  %s\n", warningStyle.Render(fmt.Sprintf("%d stale locks removed", st.StaleCount)))
				}
			})
		}),
	}
}

func newLockCleanupCmd(opts *globalOptions) *cobra.Command {
	var mine bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale locks, and with --mine every lock this owner holds",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			owner := ""
			if mine {
				owner = a.owner
			}
			removed, err := a.locks.Cleanup(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(map[string]int{"removed": removed}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %d locks\n", okStyle.Render("removed"), removed)
			})
		}),
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "also remove live locks held by this owner")
	return cmd
}
