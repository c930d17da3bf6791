package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/storygate/internal/drift"
	"github.com/fyrsmithlabs/storygate/internal/gate"
	"github.com/fyrsmithlabs/storygate/internal/rollback"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// printer writes either JSON or styled text.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(cmd *cobra.Command, opts *globalOptions) *printer {
	return &printer{w: cmd.OutOrStdout(), json: opts.json}
}

// emit prints v as JSON when --json is set, otherwise calls human.
func (p *printer) emit(v any, human func(w io.Writer)) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(p.w)
	return nil
}

func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "  %s %v\n", labelStyle.Render(label+":"), value)
}

func list(w io.Writer, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s\n", labelStyle.Render(label+":"))
	for _, item := range items {
		fmt.Fprintf(w, "    - %s\n", item)
	}
}

func severityText(s drift.Severity) string {
	label := strings.ToUpper(string(s))
	switch s {
	case drift.SeverityCritical:
		return errorStyle.Render(label)
	case drift.SeverityHigh, drift.SeverityMedium:
		return warningStyle.Render(label)
	}
	return okStyle.Render(label)
}

func passText(passed bool) string {
	if passed {
		return okStyle.Render("✓ PASS")
	}
	return errorStyle.Render("✗ FAIL")
}

func rollbackStatusText(s rollback.Status) string {
	switch s {
	case rollback.StatusCompleted:
		return okStyle.Render(string(s))
	case rollback.StatusPartial:
		return warningStyle.Render(string(s))
	}
	return errorStyle.Render(string(s))
}

func writeDriftReport(w io.Writer, r *drift.Report) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Drift "+r.StoryID), severityText(r.Severity))
	field(w, "Snapshot", r.SnapshotID)
	field(w, "Checked", r.Timestamp.Format("2006-01-02 15:04:05"))
	list(w, "Unlisted", r.DetectedChanges.Unlisted)
	list(w, "Missing", r.DetectedChanges.Missing)
	list(w, "Unexpected", r.DetectedChanges.Unexpected)
	list(w, "Critical", r.DetectedChanges.Critical)
	for _, a := range r.Alarms {
		fmt.Fprintf(w, "  %s %s\n", severityText(a.Severity), a.Message)
		fmt.Fprintf(w, "    %s\n", dimStyle.Render(a.Impact))
	}
	if r.Severity != drift.SeverityLow {
		fmt.Fprintf(w, "  %s\n", dimStyle.Render(drift.Recommendation(r.Severity)))
	}
	if r.ReportPath != "" {
		field(w, "Report", r.ReportPath)
	}
}

func writeGateResult(w io.Writer, r *gate.Result) {
	title := "Gate " + string(r.Gate)
	if r.StoryID != "" {
		title += " " + r.StoryID
	}
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render(title), passText(r.Passed))
	for _, c := range r.Checks {
		mark := okStyle.Render("✓")
		switch {
		case !c.Passed:
			mark = errorStyle.Render("✗")
		case c.Severity == gate.SeverityWarning:
			mark = warningStyle.Render("!")
		}
		fmt.Fprintf(w, "  %s %s %s\n", mark, c.Name, dimStyle.Render(c.Message))
		for _, d := range c.Details {
			fmt.Fprintf(w, "      %s\n", d)
		}
	}
	if r.Error != "" {
		field(w, "Error", r.Error)
	}
}

func writeRollbackLog(w io.Writer, l *rollback.Log) {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Rollback "+l.RollbackID), rollbackStatusText(l.Status))
	field(w, "Story", l.StoryID)
	field(w, "Snapshot", l.SnapshotID)
	field(w, "Started", l.Timestamp.Format("2006-01-02 15:04:05"))
	for _, s := range l.Steps {
		line := fmt.Sprintf("  %-18s %s", s.Name, s.Status)
		if s.Error != "" {
			line += " " + errorStyle.Render(s.Error)
		} else if s.Detail != "" {
			line += " " + dimStyle.Render(s.Detail)
		}
		fmt.Fprintln(w, line)
	}
	list(w, "Restored", l.RestoredFiles)
	list(w, "Deleted", l.DeletedFiles)
	for _, f := range l.FailedFiles {
		fmt.Fprintf(w, "  %s %s: %s\n", errorStyle.Render("failed"), f.Path, f.Error)
	}
}
