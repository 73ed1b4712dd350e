package report

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eargollo/attic/internal/scan"
)

func testResult(tb testing.TB) *scan.Result {
	tb.Helper()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := start.Add(30 * time.Minute)

	stats := scan.NewStats()
	stats.TotalFiles = 4
	stats.TotalSize = 100 << 20
	stats.CanonicalFiles = 2
	stats.DuplicateFiles = 2
	stats.DuplicateSize = 50 << 20
	stats.ProjectStats["OPS"] = &scan.ProjectStats{
		ProjectName: "Operations", TotalSize: 80 << 20, DuplicateSize: 50 << 20,
		FileCount: 3, DuplicateCount: 2,
	}
	stats.ProjectStats["DEV"] = &scan.ProjectStats{
		ProjectName: "Development", TotalSize: 20 << 20, FileCount: 1,
	}
	stats.FileTypeStats["zip"] = &scan.FileTypeStats{
		TotalSize: 100 << 20, Count: 4, DuplicateSize: 50 << 20, DuplicateCount: 2,
	}

	groups := map[string]*scan.DuplicateGroup{
		"aaa": {
			FileName: "build.zip", FileSize: 25 << 20, MimeType: "application/zip",
			CanonicalIssueKey: "OPS-1", CanonicalAttachmentID: "10",
			DuplicateCount: 2, TotalWastedSpace: 50 << 20,
			Author: "M. Rivera", Created: "2024-01-10T09:00:00.000+0000",
			Status: "Done", StatusCategory: "Done", StatusCategoryKey: "done",
			IssueLastUpdated: "2024-02-01T10:00:00.000+0000",
			Locations: []scan.Location{
				{IssueKey: "OPS-1", ProjectKey: "OPS", AttachmentID: "10", IsCanonical: true, Author: "M. Rivera"},
				{IssueKey: "OPS-2", ProjectKey: "OPS", AttachmentID: "11", Author: "M. Rivera"},
				{IssueKey: "DEV-5", ProjectKey: "DEV", AttachmentID: "12", Author: "M. Rivera"},
			},
		},
		"bbb": {
			FileName: "icon.png", FileSize: 4 << 10,
			CanonicalIssueKey: "DEV-1", CanonicalAttachmentID: "20",
			Created:          "2026-02-20T09:00:00.000+0000",
			IssueLastUpdated: "2026-02-25T09:00:00.000+0000",
			Locations: []scan.Location{
				{IssueKey: "DEV-1", ProjectKey: "DEV", AttachmentID: "20", IsCanonical: true},
			},
		},
	}

	return &scan.Result{
		State: &scan.ScanState{
			ScanID: "deadbeef", Status: scan.StatusCompleted,
			TotalIssues: 10, ProcessedIssues: 10,
			StartTime: start, CompletionTime: &done, DurationMS: 1800000,
		},
		Stats:  stats,
		Groups: groups,
		QuickWins: []scan.QuickWin{
			{Hash: "aaa", FileName: "build.zip", FileSize: 25 << 20, DuplicateCount: 2, TotalWastedSpace: 50 << 20},
		},
	}
}

func TestBuildInsights(t *testing.T) {
	res := testResult(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ins := BuildInsights(res, InsightOptions{Now: now})

	if got := ins.WastePercent; got != 50 {
		t.Errorf("waste percent: got %v, want 50", got)
	}

	if len(ins.TopProjects) != 2 || ins.TopProjects[0].Key != "OPS" {
		t.Fatalf("top projects: %+v", ins.TopProjects)
	}
	if ins.TopProjects[0].WastePercent != 62.5 {
		t.Errorf("OPS waste: got %v, want 62.5", ins.TopProjects[0].WastePercent)
	}

	// build.zip: 25 MiB, inactive since 2024-02-01 (758 days) -> hot.
	if len(ins.HeatFiles) == 0 || ins.HeatFiles[0].Hash != "aaa" {
		t.Fatalf("heat files: %+v", ins.HeatFiles)
	}
	hot := ins.HeatFiles[0]
	if hot.DaysInactive != 758 {
		t.Errorf("days inactive: got %d, want 758", hot.DaysInactive)
	}
	wantScore := 25.0 * float64(hot.DaysInactive) / 100
	if hot.HeatScore != wantScore {
		t.Errorf("heat score: got %v, want %v", hot.HeatScore, wantScore)
	}

	// Only build.zip is both >10 MiB and >365 days inactive.
	if len(ins.FrozenFiles) != 1 || ins.FrozenFiles[0].Hash != "aaa" {
		t.Errorf("frozen files: %+v", ins.FrozenFiles)
	}
}

func TestBuildInsightsUnparseableDates(t *testing.T) {
	res := testResult(t)
	for _, g := range res.Groups {
		g.IssueLastUpdated = "not a date"
		g.Created = ""
	}
	ins := BuildInsights(res, InsightOptions{})
	if len(ins.FrozenFiles) != 0 {
		t.Errorf("bad dates must not promote files to frozen: %+v", ins.FrozenFiles)
	}
}

func TestWriteJSON(t *testing.T) {
	res := testResult(t)
	path := filepath.Join(t.TempDir(), "scan_deadbeef.json")
	if err := WriteJSON(path, res, BuildInsights(res, InsightOptions{})); err != nil {
		t.Fatalf("write: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var doc struct {
		State *scan.ScanState `json:"scan_state"`
		Stats *scan.Stats     `json:"scan_stats"`
		Wins  []scan.QuickWin `json:"quick_wins"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.State.ScanID != "deadbeef" || doc.Stats.TotalFiles != 4 || len(doc.Wins) != 1 {
		t.Errorf("document: state=%+v files=%d wins=%d", doc.State, doc.Stats.TotalFiles, len(doc.Wins))
	}
}

func TestWriteCSV(t *testing.T) {
	res := testResult(t)
	dir := t.TempDir()
	paths, err := WriteCSV(dir, res)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(paths) != 6 {
		t.Fatalf("views: got %d, want 6", len(paths))
	}

	read := func(name string) [][]string {
		t.Helper()
		f, err := os.Open(filepath.Join(dir, "scan_deadbeef_"+name+".csv"))
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		return rows
	}

	summary := read("summary")
	if summary[0][0] != "Metric" {
		t.Errorf("summary header: %v", summary[0])
	}
	found := false
	for _, row := range summary {
		if row[0] == "Waste Percentage" && row[1] == "50.00%" {
			found = true
		}
	}
	if !found {
		t.Error("summary missing waste percentage row")
	}

	dups := read("duplicate_files")
	if len(dups) != 2 {
		t.Fatalf("duplicate_files rows: got %d, want header + 1", len(dups))
	}
	if dups[1][0] != "aaa" || dups[1][1] != "build.zip" {
		t.Errorf("duplicate row: %v", dups[1])
	}

	// One row per location of each duplicated group, canonical flagged.
	locs := read("duplicate_locations")
	if len(locs) != 4 {
		t.Fatalf("location rows: got %d, want header + 3", len(locs))
	}
	if locs[1][7] != "Yes" || locs[2][7] != "No" {
		t.Errorf("canonical flags: %v / %v", locs[1], locs[2])
	}

	projects := read("project_stats")
	if len(projects) != 3 || projects[1][0] != "OPS" {
		t.Errorf("project rows: %v", projects)
	}

	wins := read("quick_wins")
	if len(wins) != 2 || wins[1][0] != "1" || wins[1][2] != "build.zip" {
		t.Errorf("quick win rows: %v", wins)
	}
}

func TestWriteHTML(t *testing.T) {
	res := testResult(t)
	ins := BuildInsights(res, InsightOptions{Now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)})
	path := filepath.Join(t.TempDir(), "scan_deadbeef.html")
	if err := WriteHTML(path, res, ins); err != nil {
		t.Fatalf("write: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	html := string(b)
	for _, want := range []string{"deadbeef", "build.zip", "Operations", "Frozen files"} {
		if !strings.Contains(html, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}
