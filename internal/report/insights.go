package report

import (
	"sort"
	"time"

	"github.com/eargollo/attic/internal/scan"
)

// jiraTime is the timestamp layout the tracker's REST API emits.
const jiraTime = "2006-01-02T15:04:05.000-0700"

// HeatFile ranks one duplicate group by how much cold storage it pins.
type HeatFile struct {
	Hash           string  `json:"hash"`
	FileName       string  `json:"file_name"`
	FileSize       int64   `json:"file_size"`
	IssueKey       string  `json:"issue_key"`
	DuplicateCount int64   `json:"duplicate_count"`
	DaysInactive   int     `json:"days_inactive"`
	HeatScore      float64 `json:"heat_score"`
}

// ProjectRank is one project's share of the total and wasted storage.
type ProjectRank struct {
	Key           string  `json:"key"`
	Name          string  `json:"name"`
	FileCount     int64   `json:"file_count"`
	TotalSize     int64   `json:"total_size"`
	DuplicateSize int64   `json:"duplicate_size"`
	WastePercent  float64 `json:"waste_percent"`
}

// Insights is the derived analysis layered over a finished scan.
type Insights struct {
	WastePercent float64       `json:"waste_percent"`
	TopProjects  []ProjectRank `json:"top_projects"`
	HeatFiles    []HeatFile    `json:"heat_files"`
	// FrozenFiles are large files on long-inactive issues, the safest
	// archival candidates.
	FrozenFiles []HeatFile `json:"frozen_files"`
}

// InsightOptions tunes the analysis thresholds.
type InsightOptions struct {
	Now time.Time
	// MinFrozenBytes is the size floor for the frozen list.
	MinFrozenBytes int64
	// MinDaysInactive is the inactivity floor for the frozen list.
	MinDaysInactive int
	// TopN bounds the ranked lists.
	TopN int
}

func (o *InsightOptions) applyDefaults() {
	if o.Now.IsZero() {
		o.Now = time.Now().UTC()
	}
	if o.MinFrozenBytes <= 0 {
		o.MinFrozenBytes = 10 << 20
	}
	if o.MinDaysInactive <= 0 {
		o.MinDaysInactive = 365
	}
	if o.TopN <= 0 {
		o.TopN = 10
	}
}

// BuildInsights derives rankings and archival candidates from a scan result.
func BuildInsights(res *scan.Result, opts InsightOptions) *Insights {
	opts.applyDefaults()

	ins := &Insights{}
	if res.Stats.TotalSize > 0 {
		ins.WastePercent = float64(res.Stats.DuplicateSize) / float64(res.Stats.TotalSize) * 100
	}

	for key, ps := range res.Stats.ProjectStats {
		rank := ProjectRank{
			Key:           key,
			Name:          ps.ProjectName,
			FileCount:     ps.FileCount,
			TotalSize:     ps.TotalSize,
			DuplicateSize: ps.DuplicateSize,
		}
		if ps.TotalSize > 0 {
			rank.WastePercent = float64(ps.DuplicateSize) / float64(ps.TotalSize) * 100
		}
		ins.TopProjects = append(ins.TopProjects, rank)
	}
	sort.Slice(ins.TopProjects, func(i, j int) bool {
		if ins.TopProjects[i].TotalSize != ins.TopProjects[j].TotalSize {
			return ins.TopProjects[i].TotalSize > ins.TopProjects[j].TotalSize
		}
		return ins.TopProjects[i].Key < ins.TopProjects[j].Key
	})
	if len(ins.TopProjects) > opts.TopN {
		ins.TopProjects = ins.TopProjects[:opts.TopN]
	}

	for hash, g := range res.Groups {
		days := daysInactive(opts.Now, g.IssueLastUpdated, g.Created)
		hf := HeatFile{
			Hash:           hash,
			FileName:       g.FileName,
			FileSize:       g.FileSize,
			IssueKey:       g.CanonicalIssueKey,
			DuplicateCount: g.DuplicateCount,
			DaysInactive:   days,
			// Size in MB scaled by a century of days: big and cold rises.
			HeatScore: float64(g.FileSize) / (1 << 20) * float64(days) / 100,
		}
		ins.HeatFiles = append(ins.HeatFiles, hf)
		if g.FileSize > opts.MinFrozenBytes && days > opts.MinDaysInactive {
			ins.FrozenFiles = append(ins.FrozenFiles, hf)
		}
	}
	byHeat := func(files []HeatFile) func(i, j int) bool {
		return func(i, j int) bool {
			if files[i].HeatScore != files[j].HeatScore {
				return files[i].HeatScore > files[j].HeatScore
			}
			return files[i].Hash < files[j].Hash
		}
	}
	sort.Slice(ins.HeatFiles, byHeat(ins.HeatFiles))
	sort.Slice(ins.FrozenFiles, byHeat(ins.FrozenFiles))
	if len(ins.HeatFiles) > opts.TopN {
		ins.HeatFiles = ins.HeatFiles[:opts.TopN]
	}

	return ins
}

// daysInactive parses the issue's last-updated timestamp, falling back to
// the attachment's creation date, and returns whole days before now.
// Unparseable timestamps count as zero days, keeping the file out of the
// frozen list rather than promoting it on bad data.
func daysInactive(now time.Time, updated, created string) int {
	for _, ts := range []string{updated, created} {
		if ts == "" {
			continue
		}
		t, err := time.Parse(jiraTime, ts)
		if err != nil {
			continue
		}
		d := int(now.Sub(t).Hours() / 24)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}
