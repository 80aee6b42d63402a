package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/reconcile"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusWaiting   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func styleStatus(s execution.Status) string {
	var st lipgloss.Style
	switch s {
	case execution.StatusRunning:
		st = statusRunning
	case execution.StatusCompleted:
		st = statusCompleted
	case execution.StatusFailed:
		st = statusFailed
	case execution.StatusCancelled:
		st = statusCancelled
	default:
		st = statusWaiting
	}
	return st.Render(fmt.Sprintf("%-9s", s))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func trigger(r execution.Record) string {
	if r.Automatic() {
		return "auto"
	}
	return *r.TriggeredBy
}

// renderRecords prints one row per record. Rows in changed are marked so the
// eye finds what moved since the last redraw.
func renderRecords(recs []execution.Record, live map[string]reconcile.Entry, changed map[string]bool) string {
	if len(recs) == 0 {
		return dimStyle.Render("no executions match the filters") + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", labelStyle.Render(fmt.Sprintf("%-8s  %-9s  %-20s  %-10s  %-10s  %-7s  %-7s  %s",
		"ID", "STATUS", "STARTED", "DURATION", "TRIGGER", "STEPS", "CREDITS", "DESCRIPTION")))
	for _, r := range recs {
		duration := "-"
		if d, ok := r.Duration(); ok {
			duration = d.String()
		}
		fmt.Fprintf(&b, "%-8s  %s  %-20s  %-10s  %-10s  %-7s  %-7d  %s",
			shortID(r.ID),
			styleStatus(r.Status),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			truncate(trigger(r), 10),
			fmt.Sprintf("%d/%d", r.Summary.SuccessfulSteps, r.Summary.TotalSteps),
			r.Summary.CreditsUsed,
			truncate(r.Summary.Description, 40),
		)
		if e, ok := live[r.ID]; ok {
			b.WriteString("  " + statusRunning.Render(renderProgress(e)))
		} else if changed[r.ID] {
			b.WriteString("  " + warnStyle.Render("updated"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderProgress(e reconcile.Entry) string {
	s := fmt.Sprintf("step %d/%d", e.Step, e.Total)
	if e.Action != "" {
		s += " " + e.Action
	}
	if e.Progress != nil {
		s += fmt.Sprintf(" (%.0f%%)", *e.Progress)
	}
	return s
}

func renderDetail(d execution.Detail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Execution"), d.ID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Status:   "), styleStatus(d.Status))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Started:  "), d.StartedAt.Local().Format(time.RFC3339))
	if d.CompletedAt != nil {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Completed:"), d.CompletedAt.Local().Format(time.RFC3339))
	}
	if dur, ok := d.Duration(); ok {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Duration: "), dur)
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Trigger:  "), trigger(d.Record))
	if d.RetryOf != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Retry of: "), d.RetryOf)
	}
	if d.Summary.Description != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Summary:  "), d.Summary.Description)
	}
	fmt.Fprintf(&b, "%s %d/%d steps, %d credits\n\n", labelStyle.Render("Result:   "),
		d.Summary.SuccessfulSteps, d.Summary.TotalSteps, d.Summary.CreditsUsed)

	for _, st := range d.Steps {
		mark := statusCompleted.Render("✓")
		if !st.Result.Success {
			mark = statusFailed.Render("✗")
		}
		fmt.Fprintf(&b, "  %s %2d. %-16s %-8s %2d cr  %s\n", mark, st.Number, st.Action,
			formatMS(st.DurationMS), st.Credits, st.Result.Description)
		if st.Result.Error != "" {
			fmt.Fprintf(&b, "        %s\n", errorStyle.Render(st.Result.Error))
		}
	}
	return b.String()
}

func formatCredits(r dryrun.CreditRange) string {
	if r.IsRange() {
		return fmt.Sprintf("%d-%d", r.Min, r.Max)
	}
	return fmt.Sprintf("%d", r.Min)
}

func renderTest(res *dryrun.Result) string {
	var b strings.Builder
	if res.Success {
		fmt.Fprintf(&b, "%s\n", statusCompleted.Render("Dry run passed"))
	} else {
		fmt.Fprintf(&b, "%s %s\n", statusFailed.Render(fmt.Sprintf("Dry run failed at step %d:", res.FailedAtStep)), res.Error)
	}
	fmt.Fprintf(&b, "%s %d\n\n", labelStyle.Render("Entities:"), res.EntityCount)

	for _, st := range res.Steps {
		status := dimStyle.Render(string(st.Status))
		switch st.Status {
		case dryrun.StepSimulated:
			status = statusCompleted.Render(string(st.Status))
		case dryrun.StepError:
			status = statusFailed.Render(string(st.Status))
		}
		fmt.Fprintf(&b, "  %2d. %-16s %-18s %6s cr  %s\n", st.Number, st.Action, status, formatCredits(st.Credits), st.Preview)
		keys := make([]string, 0, len(st.Details))
		for k := range st.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "        %s %s\n", labelStyle.Render(k+":"), st.Details[k])
		}
		if st.Note != "" {
			fmt.Fprintf(&b, "        %s\n", dimStyle.Render(st.Note))
		}
	}

	for _, bulk := range res.Bulk {
		fmt.Fprintf(&b, "\n  %s step %d: %s × %d = %s credits\n", titleStyle.Render("Bulk"),
			bulk.Step, bulk.Label, bulk.Count, formatCredits(bulk.Credits))
	}

	fmt.Fprintf(&b, "\n%s %s credits, %s\n", labelStyle.Render("Estimate:"),
		formatCredits(res.EstimatedCredits), res.EstimatedDuration)
	for _, line := range res.Breakdown {
		fmt.Fprintf(&b, "  %-16s %s\n", line.Driver, formatCredits(line.Credits))
	}
	if m := res.Monthly; m != nil {
		style := labelStyle
		if m.HighUsage {
			style = warnStyle
		}
		fmt.Fprintf(&b, "%s %d runs (%s), %s credits per month\n", style.Render("Monthly: "),
			m.RunsPerMonth, m.Schedule, formatCredits(m.Credits))
	}

	for _, w := range res.Warnings {
		style := warnStyle
		if w.Severity == dryrun.SeverityError {
			style = errorStyle
		}
		fmt.Fprintf(&b, "%s %s\n", style.Render(string(w.Severity)+":"), w.Message)
		if w.Suggestion != "" {
			fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("→"), w.Suggestion)
		}
	}
	return b.String()
}

func renderDelta(d dryrun.Delta) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("credits %+d/%+d", d.Credits.Min, d.Credits.Max))
	parts = append(parts, fmt.Sprintf("active %s/%s",
		signedMS(d.ActiveMS.MinMS), signedMS(d.ActiveMS.MaxMS)))
	if d.StepsDelta != 0 {
		parts = append(parts, fmt.Sprintf("steps %+d", d.StepsDelta))
	}
	if d.BecameFailing {
		parts = append(parts, statusFailed.Render("now failing"))
	}
	if d.BecamePassing {
		parts = append(parts, statusCompleted.Render("now passing"))
	}
	return labelStyle.Render("Since last run:") + " " + strings.Join(parts, ", ") + "\n"
}

func signedMS(ms int64) string {
	if ms >= 0 {
		return "+" + formatMS(ms)
	}
	return "-" + formatMS(-ms)
}

func renderSnapshot(snap session.Snapshot, workspaceID, agentID string, changed map[string]bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", titleStyle.Render("Executions"), dimStyle.Render(workspaceID+"/"+agentID))
	fmt.Fprintf(&b, "%s status=%s range=%s search=%q",
		labelStyle.Render("Filters:"), snap.Filter.Status, snap.Filter.DateRange, snap.Filter.Search)
	if snap.SearchDraft != snap.Filter.Search {
		fmt.Fprintf(&b, " %s", dimStyle.Render(fmt.Sprintf("(typing %q)", snap.SearchDraft)))
	}
	b.WriteString("\n\n")

	if !snap.Loaded {
		b.WriteString(dimStyle.Render("loading...") + "\n")
	} else {
		b.WriteString(renderRecords(snap.Records, snap.Live, changed))
		page := snap.Filter.Offset/max(snap.Filter.Limit, 1) + 1
		pages := (snap.Total + snap.Filter.Limit - 1) / max(snap.Filter.Limit, 1)
		fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(fmt.Sprintf("page %d of %d, %d executions", page, max(pages, 1), snap.Total)))
	}

	ids := make([]string, 0, len(snap.Retries))
	for id := range snap.Retries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rs := snap.Retries[id]
		switch {
		case rs.InFlight:
			fmt.Fprintf(&b, "%s retrying %s...\n", statusRunning.Render("•"), shortID(id))
		case rs.Err != "":
			fmt.Fprintf(&b, "%s retry of %s failed: %s\n", statusFailed.Render("✗"), shortID(id), rs.Err)
		case rs.NewExecutionID != "":
			fmt.Fprintf(&b, "%s %s retried as %s\n", statusCompleted.Render("✓"), shortID(id), shortID(rs.NewExecutionID))
		}
	}

	if snap.DetailID != "" {
		b.WriteString("\n")
		if snap.Detail != nil {
			b.WriteString(renderDetail(*snap.Detail))
		} else {
			b.WriteString(dimStyle.Render("loading execution "+snap.DetailID+"...") + "\n")
		}
	}

	switch ex := snap.Export; {
	case ex.InFlight:
		fmt.Fprintf(&b, "\n%s exporting %s...\n", statusRunning.Render("•"), ex.Format)
	case ex.Err != "":
		fmt.Fprintf(&b, "\n%s export failed: %s\n", statusFailed.Render("✗"), ex.Err)
	case ex.Path != "":
		fmt.Fprintf(&b, "\n%s exported to %s\n", statusCompleted.Render("✓"), ex.Path)
	}

	if snap.Testing {
		fmt.Fprintf(&b, "\n%s running dry run...\n", statusRunning.Render("•"))
	} else if snap.TestErr != "" {
		fmt.Fprintf(&b, "\n%s dry run failed: %s\n", statusFailed.Render("✗"), snap.TestErr)
	}
	if snap.LastTest != nil {
		b.WriteString("\n" + renderTest(snap.LastTest))
		if snap.PrevTest != nil {
			b.WriteString(renderDelta(dryrun.Compare(snap.PrevTest, snap.LastTest)))
		}
	}

	if snap.Notice != "" {
		fmt.Fprintf(&b, "\n%s\n", warnStyle.Render(snap.Notice))
	}

	b.WriteString("\n" + helpStyle.Render("n/p page · /text search · s <status> · d <range> · o <id> open · c close · r <id> retry · e <json|csv> export · t [n] test · x dismiss · q quit") + "\n")
	return b.String()
}
