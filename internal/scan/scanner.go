package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eargollo/attic/internal/jira"
)

// Scan status values. There is no failed terminal state: a crashed or
// interrupted scan stays running and is resumed or reset.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
)

// ErrStopped is returned by Run when the scan was stopped cooperatively.
// Progress has been checkpointed; the scan is resumable.
var ErrStopped = errors.New("scan stopped, progress checkpointed")

// ScanState is the durable identity and progress of one scan.
type ScanState struct {
	ScanID          string     `json:"scan_id"`
	Status          string     `json:"status"`
	TotalIssues     int        `json:"total_issues"`
	ProcessedIssues int        `json:"processed_issues"`
	StartTime       time.Time  `json:"start_time"`
	CompletionTime  *time.Time `json:"completion_time,omitempty"`
	DurationMS      int64      `json:"duration_ms,omitempty"`
	JQL             string     `json:"jql_query"`
	ConfigJSON      string     `json:"-"`
}

// Checkpoint marks the next unprocessed page of a scan.
type Checkpoint struct {
	LastIssueKey string
	NextStartAt  int
	Time         time.Time
}

// Store is the persistence surface the scanner needs. Implemented by
// internal/store; all writes commit transactionally.
type Store interface {
	SaveScan(ctx context.Context, state *ScanState) error
	// SaveProgress writes scan state, statistics, groups and the checkpoint
	// in a single transaction.
	SaveProgress(ctx context.Context, state *ScanState, stats *Stats,
		groups map[string]*DuplicateGroup, lastIssueKey string, nextStartAt int) error
	LoadScan(ctx context.Context, scanID string) (*ScanState, error)
	LoadStats(ctx context.Context, scanID string) (*Stats, error)
	LoadGroups(ctx context.Context, scanID string) (map[string]*DuplicateGroup, error)
	LoadCheckpoint(ctx context.Context, scanID string) (*Checkpoint, error)
}

// Searcher is the slice of the Jira client the scan driver needs.
type Searcher interface {
	Count(ctx context.Context, jql string) (int, error)
	Search(ctx context.Context, jql string, startAt, maxResults int) (*jira.SearchResult, error)
}

// Options tunes one scan.
type Options struct {
	PageSize           int
	CheckpointInterval int
	// Filters; CustomJQL overrides the assembled predicate when set.
	CustomJQL string
	Projects  []string
	DateFrom  string
	DateTo    string
	// ConfigJSON is the run-configuration snapshot persisted with the scan.
	ConfigJSON string
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 100
	}
}

// Result is the finalized output handed to the reporting collaborators.
type Result struct {
	State     *ScanState                 `json:"scan_state"`
	Stats     *Stats                     `json:"scan_stats"`
	Groups    map[string]*DuplicateGroup `json:"duplicate_groups"`
	QuickWins []QuickWin                 `json:"quick_wins"`
}

// Scanner drives one scan from start (or resume) to completion. It is the
// single writer of the catalog, the statistics and the store; the pool only
// owns transient per-attachment work.
type Scanner struct {
	client   Searcher
	pool     *Pool
	store    Store
	opts     Options
	progress *Progress
	stopped  atomic.Bool
}

// New wires a Scanner from its collaborators. progress may be nil.
func New(client Searcher, pool *Pool, store Store, opts Options, progress *Progress) *Scanner {
	opts.applyDefaults()
	if progress == nil {
		progress = &Progress{}
	}
	return &Scanner{client: client, pool: pool, store: store, opts: opts, progress: progress}
}

// Stop requests a cooperative stop. The driver finishes the current page,
// checkpoints, and Run returns ErrStopped. Safe from any goroutine.
func (s *Scanner) Stop() {
	s.stopped.Store(true)
}

// BuildJQL assembles the search predicate from the filter options. A total
// ordering clause is mandatory for stable pagination, so ORDER BY is
// appended to custom predicates that lack one.
func (s *Scanner) BuildJQL() string {
	if custom := strings.TrimSpace(s.opts.CustomJQL); custom != "" {
		if !strings.Contains(strings.ToUpper(custom), "ORDER BY") {
			custom += " ORDER BY created DESC"
		}
		return custom
	}

	var parts []string
	if len(s.opts.Projects) > 0 {
		parts = append(parts, fmt.Sprintf("project in (%s)", strings.Join(s.opts.Projects, ", ")))
	}
	if s.opts.DateFrom != "" {
		parts = append(parts, fmt.Sprintf("created >= '%s'", s.opts.DateFrom))
	}
	if s.opts.DateTo != "" {
		parts = append(parts, fmt.Sprintf("created <= '%s'", s.opts.DateTo))
	}
	if s.opts.DateFrom == "" && s.opts.DateTo == "" {
		// Default lookback: 20 years.
		parts = append(parts, "created >= -7300d")
	}
	return strings.Join(parts, " AND ") + " ORDER BY created DESC"
}

// Run starts a fresh scan: count the population, persist the initial scan
// record, then drive the page loop to completion.
func (s *Scanner) Run(ctx context.Context) (*Result, error) {
	jql := s.BuildJQL()
	slog.Info("starting scan", "jql", jql)

	total, err := s.client.Count(ctx, jql)
	if err != nil {
		return nil, fmt.Errorf("count issues: %w", err)
	}

	state := &ScanState{
		ScanID:      uuid.NewString()[:8],
		Status:      StatusRunning,
		TotalIssues: total,
		StartTime:   time.Now().UTC(),
		JQL:         jql,
		ConfigJSON:  s.opts.ConfigJSON,
	}
	if err := s.store.SaveScan(ctx, state); err != nil {
		return nil, fmt.Errorf("save initial scan record: %w", err)
	}

	slog.Info("scan created", "id", state.ScanID, "total_issues", total)
	return s.run(ctx, state, NewStats(), make(map[string]*DuplicateGroup), 0, "")
}

// Resume continues a previously interrupted scan from its checkpoint. The
// persisted predicate is reused and the population is not re-counted.
func (s *Scanner) Resume(ctx context.Context, scanID string) (*Result, error) {
	state, err := s.store.LoadScan(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("load scan %s: %w", scanID, err)
	}
	state.Status = StatusRunning

	stats, err := s.store.LoadStats(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("load stats %s: %w", scanID, err)
	}
	if stats == nil {
		stats = NewStats()
	}
	groups, err := s.store.LoadGroups(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("load groups %s: %w", scanID, err)
	}

	startAt := state.ProcessedIssues
	lastIssueKey := ""
	cp, err := s.store.LoadCheckpoint(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", scanID, err)
	}
	if cp != nil {
		startAt = cp.NextStartAt
		lastIssueKey = cp.LastIssueKey
	} else {
		slog.Warn("no checkpoint found, resuming from processed count",
			"id", scanID, "start_at", startAt)
	}

	slog.Info("resuming scan", "id", scanID,
		"start_at", startAt, "total_issues", state.TotalIssues)
	return s.run(ctx, state, stats, groups, startAt, lastIssueKey)
}

// issueResults is one issue's completed batch, held back until the whole
// page has hashed cleanly.
type issueResults struct {
	ic      issueContext
	results []HashResult
}

// run is the main page loop: search one page, fan the attachments of each
// issue out to the pool, merge the results on this goroutine, checkpoint
// every CheckpointInterval issues. A page is folded into the catalog only
// as a whole: if ctx is cancelled while the page is still hashing, its
// partial results are discarded and the checkpoint stays at the page
// start, so the resumed scan re-fetches the page instead of inheriting
// URL-hash fingerprints from aborted downloads.
func (s *Scanner) run(ctx context.Context, state *ScanState, stats *Stats,
	groups map[string]*DuplicateGroup, startAt int, lastIssueKey string) (*Result, error) {

	s.progress.TotalIssues.Store(int64(state.TotalIssues))
	s.progress.ProcessedIssues.Store(int64(state.ProcessedIssues))
	s.progress.TotalFiles.Store(stats.TotalFiles)
	s.progress.TotalSize.Store(stats.TotalSize)
	s.progress.DuplicateFiles.Store(stats.DuplicateFiles)
	s.progress.DuplicateSize.Store(stats.DuplicateSize)

	sinceCheckpoint := 0

	for startAt < state.TotalIssues {
		if s.stopped.Load() || ctx.Err() != nil {
			if err := s.saveProgress(state, stats, groups, lastIssueKey, startAt); err != nil {
				slog.Error("checkpoint on stop failed", "id", state.ScanID, "error", err)
			}
			slog.Warn("scan interrupted", "id", state.ScanID, "processed", state.ProcessedIssues)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrStopped
		}

		page, err := s.client.Search(ctx, state.JQL, startAt, s.opts.PageSize)
		if err != nil {
			// Checkpoint before surfacing so the scan stays resumable.
			if saveErr := s.saveProgress(state, stats, groups, lastIssueKey, startAt); saveErr != nil {
				slog.Error("checkpoint after page failure failed", "id", state.ScanID, "error", saveErr)
			}
			return nil, fmt.Errorf("fetch page at %d: %w", startAt, err)
		}
		if len(page.Issues) == 0 {
			slog.Info("no more issues", "id", state.ScanID, "start_at", startAt)
			break
		}

		// Hash the whole page before mutating anything.
		var pending []issueResults
		for _, issue := range page.Issues {
			attachments := issue.Fields.Attachments
			if len(attachments) == 0 {
				continue
			}
			results := s.pool.HashBatch(ctx, attachments)
			if ctx.Err() != nil {
				break
			}
			pending = append(pending, issueResults{newIssueContext(issue), results})
		}
		if ctx.Err() != nil {
			if err := s.saveProgress(state, stats, groups, lastIssueKey, startAt); err != nil {
				slog.Error("checkpoint on cancel failed", "id", state.ScanID, "error", err)
			}
			slog.Warn("scan cancelled mid-page, page discarded",
				"id", state.ScanID, "start_at", startAt)
			return nil, ctx.Err()
		}

		for _, ir := range pending {
			for _, res := range ir.results {
				classify(groups, stats, res, ir.ic)
			}
		}
		lastIssueKey = page.Issues[len(page.Issues)-1].Key

		state.ProcessedIssues += len(page.Issues)
		// Advance by the returned page length, not the requested size, so a
		// short page mid-stream cannot skip issues.
		startAt += len(page.Issues)
		sinceCheckpoint += len(page.Issues)

		s.progress.ProcessedIssues.Store(int64(state.ProcessedIssues))
		s.progress.TotalFiles.Store(stats.TotalFiles)
		s.progress.TotalSize.Store(stats.TotalSize)
		s.progress.DuplicateFiles.Store(stats.DuplicateFiles)
		s.progress.DuplicateSize.Store(stats.DuplicateSize)

		if sinceCheckpoint >= s.opts.CheckpointInterval {
			if err := s.saveProgress(state, stats, groups, lastIssueKey, startAt); err != nil {
				return nil, fmt.Errorf("checkpoint: %w", err)
			}
			sinceCheckpoint = 0
			slog.Debug("checkpoint saved", "id", state.ScanID,
				"processed", state.ProcessedIssues, "next_start_at", startAt)
		}
	}

	// A cancellation that lands after the last page still must not finalize
	// the scan: checkpoint and surface the interrupt instead.
	if ctx.Err() != nil {
		if err := s.saveProgress(state, stats, groups, lastIssueKey, startAt); err != nil {
			slog.Error("checkpoint on cancel failed", "id", state.ScanID, "error", err)
		}
		return nil, ctx.Err()
	}

	return s.finalize(state, stats, groups, lastIssueKey, startAt)
}

// saveProgress writes scan state, statistics, groups and checkpoint in one
// transactional sweep.
func (s *Scanner) saveProgress(state *ScanState, stats *Stats,
	groups map[string]*DuplicateGroup, lastIssueKey string, nextStartAt int) error {
	// Background context: progress must be persisted even when the caller's
	// context is already cancelled.
	return s.store.SaveProgress(context.Background(), state, stats, groups, lastIssueKey, nextStartAt)
}

// finalize marks the scan completed, persists the terminal state, and
// assembles the result document.
func (s *Scanner) finalize(state *ScanState, stats *Stats,
	groups map[string]*DuplicateGroup, lastIssueKey string, nextStartAt int) (*Result, error) {

	now := time.Now().UTC()
	state.Status = StatusCompleted
	state.CompletionTime = &now
	state.DurationMS = now.Sub(state.StartTime).Milliseconds()

	if err := s.saveProgress(state, stats, groups, lastIssueKey, nextStartAt); err != nil {
		return nil, fmt.Errorf("save final state: %w", err)
	}

	slog.Info("scan completed", "id", state.ScanID,
		"duration_ms", state.DurationMS,
		"issues", state.ProcessedIssues,
		"files", stats.TotalFiles,
		"duplicates", stats.DuplicateFiles,
		"wasted_bytes", stats.DuplicateSize)

	return &Result{
		State:     state,
		Stats:     stats,
		Groups:    groups,
		QuickWins: quickWins(groups, 3),
	}, nil
}
