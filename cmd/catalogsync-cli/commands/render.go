package commands

import (
	"fmt"
	"os"

	"catalogsync/services/baseline"
	"catalogsync/services/crawler"

	"github.com/jedib0t/go-pretty/v6/table"
)

func renderRun(result *crawler.RunResult) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("run %s", result.RunID))
	t.AppendHeader(table.Row{"entity", "status", "outcome", "attempts", "records"})
	for _, r := range result.Targets {
		t.AppendRow(table.Row{
			r.Target.Entity,
			r.Status.String(),
			r.Outcome.String(),
			r.Attempts,
			len(r.Records),
		})
	}
	t.AppendFooter(table.Row{
		"", "", "",
		fmt.Sprintf("ok %d / empty %d / failed %d", result.Succeeded, result.Empty, result.Failed),
		len(result.Records),
	})
	t.Render()
}

func renderReport(report baseline.Report) {
	if !report.HasPrevious {
		fmt.Println("no previous baseline for this term, nothing to compare against")
		return
	}
	if len(report.Regressions) == 0 && len(report.Warnings) == 0 {
		fmt.Println("no regressions against the saved baseline")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("baseline regressions")
	t.AppendHeader(table.Row{"entity", "previous", "current", "drop", "missing categories", "critical"})
	for _, r := range report.Regressions {
		critical := ""
		if r.IsCritical {
			critical = "CRITICAL"
		}
		t.AppendRow(table.Row{
			r.Entity,
			r.PreviousCount,
			r.CurrentCount,
			fmt.Sprintf("%.0f%%", r.PercentDrop*100),
			fmt.Sprint(r.MissingCategories),
			critical,
		})
	}
	for _, w := range report.Warnings {
		t.AppendRow(table.Row{
			w.Entity, w.PreviousCount, w.CurrentCount, "", "entity absent from this run", "",
		})
	}
	t.Render()
}
