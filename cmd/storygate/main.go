// Package main implements the storygate CLI: file locks, snapshots, drift
// detection, rollback and gate enforcement for story-driven pipelines.
//
// Every command exits 0 on success, 1 on error and 2 when a gate, lock or
// drift check reports a violation, so it can gate CI jobs directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storygate/internal/gate"
	"github.com/fyrsmithlabs/storygate/internal/lock"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// errViolation marks failures that are check results rather than errors.
var errViolation = errors.New("violation")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, errorStyle.Render("error: ")+err.Error())
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errViolation), errors.Is(err, gate.ErrGateFailed), errors.Is(err, lock.ErrConflict):
		return 2
	default:
		return 1
	}
}

// globalOptions holds persistent flag values.
type globalOptions struct {
	root       string
	configPath string
	owner      string
	json       bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "storygate",
		Short: "Gate enforcement and concurrency control for story pipelines",
		Long: `storygate coordinates pipeline runs that change the same checkout.

It locks files across processes, snapshots a story's baseline, detects drift
from the declared patch plan, rolls stories back and enforces the planning,
dev and qa gates.

Examples:
  # Start a story: lock its files and capture the baseline
  storygate story begin STORY-12

  # Check the change against its patch plan
  storygate gate dev STORY-12

  # Restore the baseline
  storygate rollback execute STORY-12`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.root, "root", ".", "repository root")
	flags.StringVar(&opts.configPath, "config", "", "config file (default <root>/.storygate.yaml)")
	flags.StringVar(&opts.owner, "owner", "", "owner id for locks (default $STORYGATE_OWNER or user@host)")
	flags.BoolVar(&opts.json, "json", false, "print machine-readable JSON")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		newLockCmd(opts),
		newSnapshotCmd(opts),
		newDriftCmd(opts),
		newRollbackCmd(opts),
		newGateCmd(opts),
		newStoryCmd(opts),
		newServeCmd(opts),
		newVersionCmd(opts),
	)
	return cmd
}

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":   version,
				"gitCommit": gitCommit,
				"buildDate": buildDate,
			}
			return newPrinter(cmd, opts).emit(info, func(w io.Writer) {
				fmt.Fprintf(w, "storygate %s\n", version)
				fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
				fmt.Fprintf(w, "  Build date: %s\n", buildDate)
			})
		},
	}
}
