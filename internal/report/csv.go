package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/eargollo/attic/internal/scan"
)

// WriteCSV writes the tabular exports for one scan into dir, one file per
// view, named scan_<id>_<view>.csv. Returns the written paths.
func WriteCSV(dir string, res *scan.Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	views := []struct {
		name string
		rows [][]string
	}{
		{"summary", summaryRows(res)},
		{"duplicate_files", duplicateFileRows(res)},
		{"duplicate_locations", duplicateLocationRows(res)},
		{"project_stats", projectRows(res)},
		{"file_type_stats", fileTypeRows(res)},
		{"quick_wins", quickWinRows(res)},
	}

	var paths []string
	for _, v := range views {
		path := filepath.Join(dir, fmt.Sprintf("scan_%s_%s.csv", res.State.ScanID, v.name))
		if err := writeRows(path, v.rows); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeRows(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func summaryRows(res *scan.Result) [][]string {
	state, stats := res.State, res.Stats
	completion := "N/A"
	if state.CompletionTime != nil {
		completion = state.CompletionTime.Format("2006-01-02 15:04:05")
	}
	rows := [][]string{
		{"Metric", "Value"},
		{"Scan ID", state.ScanID},
		{"Status", state.Status},
		{"Start Time", state.StartTime.Format("2006-01-02 15:04:05")},
		{"Completion Time", completion},
		{"Duration (seconds)", strconv.FormatFloat(float64(state.DurationMS)/1000, 'f', 1, 64)},
		{"Issues Processed", strconv.Itoa(state.ProcessedIssues)},
		{"Total Issues", strconv.Itoa(state.TotalIssues)},
		{"Total Files", strconv.FormatInt(stats.TotalFiles, 10)},
		{"Total Storage (bytes)", strconv.FormatInt(stats.TotalSize, 10)},
		{"Total Storage (formatted)", humanize.IBytes(uint64(stats.TotalSize))},
		{"Canonical Files", strconv.FormatInt(stats.CanonicalFiles, 10)},
		{"Duplicate Files", strconv.FormatInt(stats.DuplicateFiles, 10)},
		{"Duplicate Storage (bytes)", strconv.FormatInt(stats.DuplicateSize, 10)},
		{"Duplicate Storage (formatted)", humanize.IBytes(uint64(stats.DuplicateSize))},
	}
	if stats.TotalSize > 0 {
		pct := float64(stats.DuplicateSize) / float64(stats.TotalSize) * 100
		rows = append(rows, []string{"Waste Percentage", fmt.Sprintf("%.2f%%", pct)})
	}
	return rows
}

// sortedDuplicates returns hashes of groups with at least one duplicate,
// highest wasted space first.
func sortedDuplicates(groups map[string]*scan.DuplicateGroup) []string {
	var hashes []string
	for hash, g := range groups {
		if g.DuplicateCount > 0 {
			hashes = append(hashes, hash)
		}
	}
	sort.Slice(hashes, func(i, j int) bool {
		a, b := groups[hashes[i]], groups[hashes[j]]
		if a.TotalWastedSpace != b.TotalWastedSpace {
			return a.TotalWastedSpace > b.TotalWastedSpace
		}
		return hashes[i] < hashes[j]
	})
	return hashes
}

func duplicateFileRows(res *scan.Result) [][]string {
	rows := [][]string{{
		"File Hash", "File Name", "File Size (bytes)", "File Size (formatted)",
		"MIME Type", "Duplicate Count",
		"Total Wasted Space (bytes)", "Total Wasted Space (formatted)",
		"Canonical Issue", "Canonical Attachment ID",
		"Author", "Created Date", "Status", "Status Category", "Issue Last Updated",
	}}
	for _, hash := range sortedDuplicates(res.Groups) {
		g := res.Groups[hash]
		rows = append(rows, []string{
			hash, g.FileName,
			strconv.FormatInt(g.FileSize, 10), humanize.IBytes(uint64(g.FileSize)),
			g.MimeType, strconv.FormatInt(g.DuplicateCount, 10),
			strconv.FormatInt(g.TotalWastedSpace, 10), humanize.IBytes(uint64(g.TotalWastedSpace)),
			g.CanonicalIssueKey, g.CanonicalAttachmentID,
			g.Author, g.Created, g.Status, g.StatusCategory, g.IssueLastUpdated,
		})
	}
	return rows
}

func duplicateLocationRows(res *scan.Result) [][]string {
	rows := [][]string{{
		"File Hash", "File Name", "File Size (bytes)", "File Size (formatted)",
		"Issue Key", "Project Key", "Attachment ID", "Is Canonical",
		"Date Added", "Author",
	}}
	for _, hash := range sortedDuplicates(res.Groups) {
		g := res.Groups[hash]
		for _, loc := range g.Locations {
			canonical := "No"
			if loc.IsCanonical {
				canonical = "Yes"
			}
			rows = append(rows, []string{
				hash, g.FileName,
				strconv.FormatInt(g.FileSize, 10), humanize.IBytes(uint64(g.FileSize)),
				loc.IssueKey, loc.ProjectKey, loc.AttachmentID, canonical,
				loc.DateAdded, loc.Author,
			})
		}
	}
	return rows
}

func projectRows(res *scan.Result) [][]string {
	rows := [][]string{{
		"Project Key", "Project Name", "Total Files",
		"Total Storage (bytes)", "Total Storage (formatted)",
		"Duplicate Files", "Duplicate Storage (bytes)", "Duplicate Storage (formatted)",
		"Waste Percentage",
	}}
	keys := make([]string, 0, len(res.Stats.ProjectStats))
	for key := range res.Stats.ProjectStats {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := res.Stats.ProjectStats[keys[i]], res.Stats.ProjectStats[keys[j]]
		if a.TotalSize != b.TotalSize {
			return a.TotalSize > b.TotalSize
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		ps := res.Stats.ProjectStats[key]
		pct := 0.0
		if ps.TotalSize > 0 {
			pct = float64(ps.DuplicateSize) / float64(ps.TotalSize) * 100
		}
		rows = append(rows, []string{
			key, ps.ProjectName, strconv.FormatInt(ps.FileCount, 10),
			strconv.FormatInt(ps.TotalSize, 10), humanize.IBytes(uint64(ps.TotalSize)),
			strconv.FormatInt(ps.DuplicateCount, 10),
			strconv.FormatInt(ps.DuplicateSize, 10), humanize.IBytes(uint64(ps.DuplicateSize)),
			fmt.Sprintf("%.2f%%", pct),
		})
	}
	return rows
}

func fileTypeRows(res *scan.Result) [][]string {
	rows := [][]string{{
		"File Extension", "File Count",
		"Total Storage (bytes)", "Total Storage (formatted)",
		"Duplicate Files", "Duplicate Storage (bytes)",
		"Average File Size (bytes)", "Average File Size (formatted)",
	}}
	exts := make([]string, 0, len(res.Stats.FileTypeStats))
	for ext := range res.Stats.FileTypeStats {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool {
		a, b := res.Stats.FileTypeStats[exts[i]], res.Stats.FileTypeStats[exts[j]]
		if a.TotalSize != b.TotalSize {
			return a.TotalSize > b.TotalSize
		}
		return exts[i] < exts[j]
	})
	for _, ext := range exts {
		fts := res.Stats.FileTypeStats[ext]
		var avg int64
		if fts.Count > 0 {
			avg = fts.TotalSize / fts.Count
		}
		rows = append(rows, []string{
			ext, strconv.FormatInt(fts.Count, 10),
			strconv.FormatInt(fts.TotalSize, 10), humanize.IBytes(uint64(fts.TotalSize)),
			strconv.FormatInt(fts.DuplicateCount, 10), strconv.FormatInt(fts.DuplicateSize, 10),
			strconv.FormatInt(avg, 10), humanize.IBytes(uint64(avg)),
		})
	}
	return rows
}

func quickWinRows(res *scan.Result) [][]string {
	rows := [][]string{{
		"Rank", "File Hash", "File Name",
		"File Size (bytes)", "Duplicate Count",
		"Total Wasted Space (bytes)", "Total Wasted Space (formatted)",
	}}
	for i, w := range res.QuickWins {
		rows = append(rows, []string{
			strconv.Itoa(i + 1), w.Hash, w.FileName,
			strconv.FormatInt(w.FileSize, 10), strconv.FormatInt(w.DuplicateCount, 10),
			strconv.FormatInt(w.TotalWastedSpace, 10), humanize.IBytes(uint64(w.TotalWastedSpace)),
		})
	}
	return rows
}
