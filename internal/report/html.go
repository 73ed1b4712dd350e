package report

import (
	"fmt"
	"html/template"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/eargollo/attic/internal/scan"
)

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"bytes": func(n int64) string { return humanize.IBytes(uint64(n)) },
	"pct":   func(f float64) string { return fmt.Sprintf("%.2f%%", f) },
	"comma": func(n int64) string { return humanize.Comma(n) },
	"inc":   func(i int) int { return i + 1 },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Attachment audit — scan {{.Result.State.ScanID}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem; color: #1a1a2e; }
h1 { font-size: 1.5rem; }
h2 { font-size: 1.1rem; margin-top: 2rem; border-bottom: 1px solid #ddd; padding-bottom: .3rem; }
.cards { display: flex; gap: 1rem; flex-wrap: wrap; }
.card { background: #f4f6fb; border-radius: 8px; padding: 1rem 1.5rem; min-width: 10rem; }
.card .value { font-size: 1.4rem; font-weight: 600; }
.card .label { color: #667; font-size: .85rem; }
table { border-collapse: collapse; width: 100%; margin-top: .5rem; }
th, td { text-align: left; padding: .4rem .6rem; border-bottom: 1px solid #eee; font-size: .9rem; }
th { background: #f4f6fb; }
td.num, th.num { text-align: right; }
.muted { color: #889; }
</style>
</head>
<body>
<h1>Attachment audit — scan {{.Result.State.ScanID}}</h1>
<p class="muted">{{.Result.State.ProcessedIssues}} of {{.Result.State.TotalIssues}} issues scanned, status {{.Result.State.Status}}.</p>

<div class="cards">
<div class="card"><div class="value">{{comma .Result.Stats.TotalFiles}}</div><div class="label">Files</div></div>
<div class="card"><div class="value">{{bytes .Result.Stats.TotalSize}}</div><div class="label">Total storage</div></div>
<div class="card"><div class="value">{{comma .Result.Stats.DuplicateFiles}}</div><div class="label">Duplicate files</div></div>
<div class="card"><div class="value">{{bytes .Result.Stats.DuplicateSize}}</div><div class="label">Wasted storage</div></div>
<div class="card"><div class="value">{{pct .Insights.WastePercent}}</div><div class="label">Waste</div></div>
</div>

{{if .Result.QuickWins}}
<h2>Quick wins</h2>
<table>
<tr><th>#</th><th>File</th><th class="num">Size</th><th class="num">Duplicates</th><th class="num">Wasted</th></tr>
{{range $i, $w := .Result.QuickWins}}
<tr><td>{{inc $i}}</td><td>{{$w.FileName}}</td><td class="num">{{bytes $w.FileSize}}</td><td class="num">{{$w.DuplicateCount}}</td><td class="num">{{bytes $w.TotalWastedSpace}}</td></tr>
{{end}}
</table>
{{end}}

{{if .Insights.TopProjects}}
<h2>Top projects by storage</h2>
<table>
<tr><th>Project</th><th class="num">Files</th><th class="num">Storage</th><th class="num">Wasted</th><th class="num">Waste %</th></tr>
{{range .Insights.TopProjects}}
<tr><td>{{.Key}} — {{.Name}}</td><td class="num">{{comma .FileCount}}</td><td class="num">{{bytes .TotalSize}}</td><td class="num">{{bytes .DuplicateSize}}</td><td class="num">{{pct .WastePercent}}</td></tr>
{{end}}
</table>
{{end}}

{{if .Insights.FrozenFiles}}
<h2>Frozen files (large, long inactive)</h2>
<table>
<tr><th>File</th><th>Issue</th><th class="num">Size</th><th class="num">Days inactive</th><th class="num">Heat</th></tr>
{{range .Insights.FrozenFiles}}
<tr><td>{{.FileName}}</td><td>{{.IssueKey}}</td><td class="num">{{bytes .FileSize}}</td><td class="num">{{.DaysInactive}}</td><td class="num">{{printf "%.1f" .HeatScore}}</td></tr>
{{end}}
</table>
{{end}}

</body>
</html>
`))

// WriteHTML renders the static dashboard for a finished scan.
func WriteHTML(path string, res *scan.Result, ins *Insights) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	data := struct {
		Result   *scan.Result
		Insights *Insights
	}{res, ins}
	if err := dashboardTmpl.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("render %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
