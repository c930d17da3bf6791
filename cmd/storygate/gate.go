package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storygate/internal/gate"
)

func newGateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Enforce pipeline gates",
		Long: `Run a pipeline gate and record its result in the story's ledger.

  planning  validate brief, prd and architecture artifacts
  dev       preflight checks, patch plan validation and signing, drift
  qa        acceptance test results and contract post-conditions

A failing gate exits with status 2 after its result is recorded.

Examples:
  storygate gate planning
  storygate gate dev STORY-12
  storygate gate show STORY-12`,
	}
	for _, g := range gate.Gates {
		cmd.AddCommand(newGateRunCmd(opts, g))
	}
	cmd.AddCommand(newGateShowCmd(opts))
	return cmd
}

func newGateRunCmd(opts *globalOptions, g gate.Gate) *cobra.Command {
	use := string(g) + " <story>"
	args := cobra.ExactArgs(1)
	if g == gate.Planning {
		use = string(g) + " [story]"
		args = cobra.MaximumNArgs(1)
	}
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Run the %s gate", g),
		Args:  args,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			storyID := ""
			if len(args) == 1 {
				storyID = args[0]
			}
			res, err := a.gates.Enforce(cmd.Context(), g, storyID)
			if res != nil {
				if perr := newPrinter(cmd, opts).emit(res, func(w io.Writer) { writeGateResult(w, res) }); perr != nil {
					return perr
				}
			}
			return err
		}),
	}
}

func newGateShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <story>",
		Short: "Show the recorded gate results of a story",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			ledger, err := a.gates.Ledger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).emit(ledger, func(w io.Writer) {
				for _, g := range gate.Gates {
					if res, ok := ledger[g]; ok {
						writeGateResult(w, res)
					}
				}
			})
		}),
	}
}
