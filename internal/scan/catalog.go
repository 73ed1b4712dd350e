package scan

import (
	"sort"
	"strings"

	"github.com/eargollo/attic/internal/jira"
)

// maxLocations bounds the per-group location list. Counters keep counting
// past the cap; only the location detail is dropped, which keeps memory
// bounded on heavily replicated files.
const maxLocations = 20

// noExtension is the sentinel bucket for filenames without a dot.
const noExtension = "no-extension"

// Location is one observed occurrence of a fingerprint. Exactly one
// location per group is canonical: the first seen in scan order.
type Location struct {
	IssueKey     string `json:"issue_key"`
	ProjectKey   string `json:"project_key"`
	AttachmentID string `json:"attachment_id"`
	IsCanonical  bool   `json:"is_canonical"`
	DateAdded    string `json:"date_added"`
	Author       string `json:"author"`
}

// DuplicateGroup is the catalog entry for one content fingerprint. Created
// on first sighting; updated on every subsequent one; never merged or split.
type DuplicateGroup struct {
	FileName              string     `json:"file_name"`
	FileSize              int64      `json:"file_size"`
	MimeType              string     `json:"mime_type"`
	CanonicalIssueKey     string     `json:"canonical_issue_key"`
	CanonicalAttachmentID string     `json:"canonical_attachment_id"`
	DuplicateCount        int64      `json:"duplicate_count"`
	TotalWastedSpace      int64      `json:"total_wasted_space"`
	Author                string     `json:"author"`
	AuthorID              string     `json:"author_id"`
	Created               string     `json:"created"`
	Status                string     `json:"status"`
	StatusCategory        string     `json:"status_category"`
	StatusCategoryKey     string     `json:"status_category_key"`
	IssueLastUpdated      string     `json:"issue_last_updated"`
	Locations             []Location `json:"locations"`
}

// ProjectStats aggregates files and waste for one project.
type ProjectStats struct {
	ProjectName    string `json:"project_name"`
	TotalSize      int64  `json:"total_size"`
	DuplicateSize  int64  `json:"duplicate_size"`
	FileCount      int64  `json:"file_count"`
	DuplicateCount int64  `json:"duplicate_count"`
}

// FileTypeStats aggregates files and waste for one file extension.
type FileTypeStats struct {
	TotalSize      int64 `json:"total_size"`
	Count          int64 `json:"count"`
	DuplicateSize  int64 `json:"duplicate_size"`
	DuplicateCount int64 `json:"duplicate_count"`
}

// Stats is the per-scan rolling aggregate set. Mutated only by the scan
// driver, one attachment at a time.
type Stats struct {
	TotalFiles     int64                     `json:"total_files"`
	TotalSize      int64                     `json:"total_size"`
	CanonicalFiles int64                     `json:"canonical_files"`
	DuplicateFiles int64                     `json:"duplicate_files"`
	DuplicateSize  int64                     `json:"duplicate_size"`
	ProjectStats   map[string]*ProjectStats  `json:"project_stats"`
	FileTypeStats  map[string]*FileTypeStats `json:"file_type_stats"`
}

// NewStats returns zeroed statistics with initialized sub-aggregate maps.
func NewStats() *Stats {
	return &Stats{
		ProjectStats:  make(map[string]*ProjectStats),
		FileTypeStats: make(map[string]*FileTypeStats),
	}
}

// issueContext carries the issue-level fields every attachment of that
// issue is classified under.
type issueContext struct {
	key               string
	projectKey        string
	projectName       string
	status            string
	statusCategory    string
	statusCategoryKey string
	lastUpdated       string
}

func newIssueContext(issue jira.Issue) issueContext {
	ic := issueContext{
		key:               issue.Key,
		projectKey:        issue.Fields.Project.Key,
		projectName:       issue.Fields.Project.Name,
		status:            issue.Fields.Status.Name,
		statusCategory:    issue.Fields.Status.StatusCategory.Name,
		statusCategoryKey: issue.Fields.Status.StatusCategory.Key,
		lastUpdated:       issue.Fields.Updated,
	}
	if ic.projectKey == "" {
		ic.projectKey = "UNKNOWN"
	}
	if ic.projectName == "" {
		ic.projectName = "Unknown Project"
	}
	if ic.status == "" {
		ic.status = "Unknown"
	}
	return ic
}

// classify folds one hashed attachment into the catalog and statistics.
// First sighting of a hash creates the group with a canonical location;
// later sightings count as duplicates and append a location only while
// fewer than maxLocations are recorded.
func classify(groups map[string]*DuplicateGroup, stats *Stats, res HashResult, ic issueContext) {
	att := res.Attachment
	author := att.Author.DisplayName
	if author == "" {
		author = "Unknown"
	}

	isDuplicate := false
	if g, ok := groups[res.Hash]; ok {
		isDuplicate = true
		g.DuplicateCount++
		g.TotalWastedSpace += att.Size
		if len(g.Locations) < maxLocations {
			g.Locations = append(g.Locations, Location{
				IssueKey:     ic.key,
				ProjectKey:   ic.projectKey,
				AttachmentID: att.ID,
				DateAdded:    att.Created,
				Author:       author,
			})
		}
		stats.DuplicateFiles++
		stats.DuplicateSize += att.Size
	} else {
		groups[res.Hash] = &DuplicateGroup{
			FileName:              att.Filename,
			FileSize:              att.Size,
			MimeType:              att.MimeType,
			CanonicalIssueKey:     ic.key,
			CanonicalAttachmentID: att.ID,
			Author:                author,
			AuthorID:              att.Author.StableID(),
			Created:               att.Created,
			Status:                ic.status,
			StatusCategory:        ic.statusCategory,
			StatusCategoryKey:     ic.statusCategoryKey,
			IssueLastUpdated:      ic.lastUpdated,
			Locations: []Location{{
				IssueKey:     ic.key,
				ProjectKey:   ic.projectKey,
				AttachmentID: att.ID,
				IsCanonical:  true,
				DateAdded:    att.Created,
				Author:       author,
			}},
		}
		stats.CanonicalFiles++
	}

	stats.TotalFiles++
	stats.TotalSize += att.Size

	ps, ok := stats.ProjectStats[ic.projectKey]
	if !ok {
		ps = &ProjectStats{ProjectName: ic.projectName}
		stats.ProjectStats[ic.projectKey] = ps
	}
	ps.FileCount++
	ps.TotalSize += att.Size
	if isDuplicate {
		ps.DuplicateCount++
		ps.DuplicateSize += att.Size
	}

	ext := fileExtension(att.Filename)
	fts, ok := stats.FileTypeStats[ext]
	if !ok {
		fts = &FileTypeStats{}
		stats.FileTypeStats[ext] = fts
	}
	fts.Count++
	fts.TotalSize += att.Size
	if isDuplicate {
		fts.DuplicateCount++
		fts.DuplicateSize += att.Size
	}
}

// fileExtension lowercases the substring after the last dot.
func fileExtension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return noExtension
	}
	return strings.ToLower(name[i+1:])
}

// QuickWin is a high-impact duplicate group surfaced in the result summary.
type QuickWin struct {
	Hash             string `json:"hash"`
	FileName         string `json:"file_name"`
	FileSize         int64  `json:"file_size"`
	DuplicateCount   int64  `json:"duplicate_count"`
	TotalWastedSpace int64  `json:"total_wasted_space"`
}

// quickWins returns the top n groups by wasted bytes among those with at
// least one duplicate, ordered descending. Ties break on hash for a stable
// result across runs.
func quickWins(groups map[string]*DuplicateGroup, n int) []QuickWin {
	wins := make([]QuickWin, 0, len(groups))
	for hash, g := range groups {
		if g.DuplicateCount == 0 {
			continue
		}
		wins = append(wins, QuickWin{
			Hash:             hash,
			FileName:         g.FileName,
			FileSize:         g.FileSize,
			DuplicateCount:   g.DuplicateCount,
			TotalWastedSpace: g.TotalWastedSpace,
		})
	}
	sort.Slice(wins, func(i, j int) bool {
		if wins[i].TotalWastedSpace != wins[j].TotalWastedSpace {
			return wins[i].TotalWastedSpace > wins[j].TotalWastedSpace
		}
		return wins[i].Hash < wins[j].Hash
	})
	if len(wins) > n {
		wins = wins[:n]
	}
	return wins
}
