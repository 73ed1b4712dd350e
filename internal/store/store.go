package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eargollo/attic/internal/scan"
)

// ErrScanNotFound is returned when the requested scan id has no record.
var ErrScanNotFound = errors.New("scan not found")

// ErrNoIncompleteScan is returned when a resume is requested but no scan is
// in the running state.
var ErrNoIncompleteScan = errors.New("no incomplete scan to resume")

// timeFormat is second-precision RFC 3339. All stored times are UTC, so
// the strings are fixed-width and lexicographic order matches chronological
// order — CleanupOlderThan relies on that for its completion_time comparison.
const timeFormat = time.RFC3339

// Store persists scans, statistics, duplicate groups and checkpoints in
// SQLite. It implements scan.Store. The database handle is configured for a
// single writer (see internal/db), so Store methods need no locking.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveScan upserts the scan identity row.
func (s *Store) SaveScan(ctx context.Context, state *scan.ScanState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scans
			(scan_id, status, total_issues, processed_issues,
			 start_time, completion_time, duration_ms, jql_query, config_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_id) DO UPDATE SET
			status = excluded.status,
			total_issues = excluded.total_issues,
			processed_issues = excluded.processed_issues,
			completion_time = excluded.completion_time,
			duration_ms = excluded.duration_ms`,
		state.ScanID, state.Status, state.TotalIssues, state.ProcessedIssues,
		state.StartTime.UTC().Format(timeFormat), nullableTime(state.CompletionTime),
		state.DurationMS, state.JQL, state.ConfigJSON)
	if err != nil {
		return fmt.Errorf("save scan %s: %w", state.ScanID, err)
	}
	return nil
}

// SaveProgress writes scan state, statistics, all duplicate groups and the
// checkpoint in a single transaction. Either everything from this sweep is
// visible afterwards or nothing is, which keeps an interrupted scan
// consistent with its checkpoint.
func (s *Store) SaveProgress(ctx context.Context, state *scan.ScanState, stats *scan.Stats,
	groups map[string]*scan.DuplicateGroup, lastIssueKey string, nextStartAt int) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin progress tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scans
			(scan_id, status, total_issues, processed_issues,
			 start_time, completion_time, duration_ms, jql_query, config_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_id) DO UPDATE SET
			status = excluded.status,
			total_issues = excluded.total_issues,
			processed_issues = excluded.processed_issues,
			completion_time = excluded.completion_time,
			duration_ms = excluded.duration_ms`,
		state.ScanID, state.Status, state.TotalIssues, state.ProcessedIssues,
		state.StartTime.UTC().Format(timeFormat), nullableTime(state.CompletionTime),
		state.DurationMS, state.JQL, state.ConfigJSON); err != nil {
		return fmt.Errorf("upsert scan %s: %w", state.ScanID, err)
	}

	projJSON, err := json.Marshal(stats.ProjectStats)
	if err != nil {
		return fmt.Errorf("marshal project stats: %w", err)
	}
	typeJSON, err := json.Marshal(stats.FileTypeStats)
	if err != nil {
		return fmt.Errorf("marshal file type stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO scan_stats
			(scan_id, total_files, total_size, canonical_files,
			 duplicate_files, duplicate_size, project_stats_json, file_type_stats_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ScanID, stats.TotalFiles, stats.TotalSize, stats.CanonicalFiles,
		stats.DuplicateFiles, stats.DuplicateSize, string(projJSON), string(typeJSON)); err != nil {
		return fmt.Errorf("upsert stats %s: %w", state.ScanID, err)
	}

	// Prepare once, reuse for every group in the sweep.
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO duplicate_groups
			(scan_id, file_hash, file_name, file_size, mime_type,
			 canonical_issue_key, canonical_attachment_id,
			 duplicate_count, total_wasted_space,
			 author, author_id, created,
			 status, status_category, status_category_key, issue_last_updated,
			 locations_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare group upsert: %w", err)
	}
	defer stmt.Close()

	for hash, g := range groups {
		locJSON, err := json.Marshal(g.Locations)
		if err != nil {
			return fmt.Errorf("marshal locations %s: %w", hash, err)
		}
		if _, err := stmt.ExecContext(ctx,
			state.ScanID, hash, g.FileName, g.FileSize, g.MimeType,
			g.CanonicalIssueKey, g.CanonicalAttachmentID,
			g.DuplicateCount, g.TotalWastedSpace,
			g.Author, g.AuthorID, g.Created,
			g.Status, g.StatusCategory, g.StatusCategoryKey, g.IssueLastUpdated,
			string(locJSON)); err != nil {
			return fmt.Errorf("upsert group %s: %w", hash, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints
			(scan_id, last_processed_issue_key, next_start_at, checkpoint_time)
		VALUES (?, ?, ?, ?)`,
		state.ScanID, lastIssueKey, nextStartAt, time.Now().UTC().Format(timeFormat)); err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", state.ScanID, err)
	}

	return tx.Commit()
}

// LoadScan reads one scan's identity row.
func (s *Store) LoadScan(ctx context.Context, scanID string) (*scan.ScanState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scan_id, status, total_issues, processed_issues,
		       start_time, completion_time, duration_ms, jql_query, config_json
		FROM scans WHERE scan_id = ?`, scanID)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan %s: %w", scanID, ErrScanNotFound)
	}
	return state, err
}

// LoadStats reads a scan's statistics, or nil when none were persisted yet.
func (s *Store) LoadStats(ctx context.Context, scanID string) (*scan.Stats, error) {
	var (
		stats    scan.Stats
		projJSON string
		typeJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT total_files, total_size, canonical_files,
		       duplicate_files, duplicate_size, project_stats_json, file_type_stats_json
		FROM scan_stats WHERE scan_id = ?`, scanID).Scan(
		&stats.TotalFiles, &stats.TotalSize, &stats.CanonicalFiles,
		&stats.DuplicateFiles, &stats.DuplicateSize, &projJSON, &typeJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stats %s: %w", scanID, err)
	}
	if err := json.Unmarshal([]byte(projJSON), &stats.ProjectStats); err != nil {
		return nil, fmt.Errorf("decode project stats %s: %w", scanID, err)
	}
	if err := json.Unmarshal([]byte(typeJSON), &stats.FileTypeStats); err != nil {
		return nil, fmt.Errorf("decode file type stats %s: %w", scanID, err)
	}
	if stats.ProjectStats == nil {
		stats.ProjectStats = make(map[string]*scan.ProjectStats)
	}
	if stats.FileTypeStats == nil {
		stats.FileTypeStats = make(map[string]*scan.FileTypeStats)
	}
	return &stats, nil
}

// LoadGroups reads a scan's full duplicate-group catalog.
func (s *Store) LoadGroups(ctx context.Context, scanID string) (map[string]*scan.DuplicateGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_hash, file_name, file_size, mime_type,
		       canonical_issue_key, canonical_attachment_id,
		       duplicate_count, total_wasted_space,
		       author, author_id, created,
		       status, status_category, status_category_key, issue_last_updated,
		       locations_json
		FROM duplicate_groups WHERE scan_id = ?`, scanID)
	if err != nil {
		return nil, fmt.Errorf("load groups %s: %w", scanID, err)
	}
	defer rows.Close()

	groups := make(map[string]*scan.DuplicateGroup)
	for rows.Next() {
		var (
			hash    string
			g       scan.DuplicateGroup
			locJSON string
		)
		if err := rows.Scan(&hash, &g.FileName, &g.FileSize, &g.MimeType,
			&g.CanonicalIssueKey, &g.CanonicalAttachmentID,
			&g.DuplicateCount, &g.TotalWastedSpace,
			&g.Author, &g.AuthorID, &g.Created,
			&g.Status, &g.StatusCategory, &g.StatusCategoryKey, &g.IssueLastUpdated,
			&locJSON); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		if err := json.Unmarshal([]byte(locJSON), &g.Locations); err != nil {
			return nil, fmt.Errorf("decode locations %s: %w", hash, err)
		}
		groups[hash] = &g
	}
	return groups, rows.Err()
}

// LoadCheckpoint reads a scan's checkpoint, or nil when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, scanID string) (*scan.Checkpoint, error) {
	var (
		cp scan.Checkpoint
		ts string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_processed_issue_key, next_start_at, checkpoint_time
		FROM checkpoints WHERE scan_id = ?`, scanID).Scan(
		&cp.LastIssueKey, &cp.NextStartAt, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", scanID, err)
	}
	if cp.Time, err = time.Parse(timeFormat, ts); err != nil {
		return nil, fmt.Errorf("parse checkpoint time %q: %w", ts, err)
	}
	return &cp, nil
}

// ListScans returns every scan, newest first.
func (s *Store) ListScans(ctx context.Context) ([]*scan.ScanState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_id, status, total_issues, processed_issues,
		       start_time, completion_time, duration_ms, jql_query, config_json
		FROM scans ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()
	return scanStates(rows)
}

// FindIncompleteScans returns running scans, newest first. These are the
// resume candidates: there is no failed state, so anything not completed is
// either live or interrupted.
func (s *Store) FindIncompleteScans(ctx context.Context) ([]*scan.ScanState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_id, status, total_issues, processed_issues,
		       start_time, completion_time, duration_ms, jql_query, config_json
		FROM scans WHERE status = ? ORDER BY start_time DESC`, scan.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("find incomplete scans: %w", err)
	}
	defer rows.Close()
	return scanStates(rows)
}

// LatestIncomplete returns the newest running scan, or ErrNoIncompleteScan.
func (s *Store) LatestIncomplete(ctx context.Context) (*scan.ScanState, error) {
	states, err := s.FindIncompleteScans(ctx)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrNoIncompleteScan
	}
	return states[0], nil
}

// ResetScan deletes one scan and all its dependent rows. Children go first
// so the foreign keys hold at every step.
func (s *Store) ResetScan(ctx context.Context, scanID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM checkpoints WHERE scan_id = ?`,
		`DELETE FROM duplicate_groups WHERE scan_id = ?`,
		`DELETE FROM scan_stats WHERE scan_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, scanID); err != nil {
			return fmt.Errorf("reset scan %s: %w", scanID, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scans WHERE scan_id = ?`, scanID)
	if err != nil {
		return fmt.Errorf("reset scan %s: %w", scanID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("scan %s: %w", scanID, ErrScanNotFound)
	}
	return tx.Commit()
}

// CleanupOlderThan removes completed scans whose completion time is older
// than the given number of days. Returns the number of scans removed.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeFormat)
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_id FROM scans
		WHERE status = ? AND completion_time IS NOT NULL AND completion_time < ?`,
		scan.StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale scans: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.ResetScan(ctx, id); err != nil {
			return 0, fmt.Errorf("cleanup scan %s: %w", id, err)
		}
	}
	return len(ids), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*scan.ScanState, error) {
	var (
		state      scan.ScanState
		start      string
		completion sql.NullString
	)
	if err := row.Scan(&state.ScanID, &state.Status,
		&state.TotalIssues, &state.ProcessedIssues,
		&start, &completion, &state.DurationMS, &state.JQL, &state.ConfigJSON); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeFormat, start)
	if err != nil {
		return nil, fmt.Errorf("parse start time %q: %w", start, err)
	}
	state.StartTime = t
	if completion.Valid {
		ct, err := time.Parse(timeFormat, completion.String)
		if err != nil {
			return nil, fmt.Errorf("parse completion time %q: %w", completion.String, err)
		}
		state.CompletionTime = &ct
	}
	return &state, nil
}

func scanStates(rows *sql.Rows) ([]*scan.ScanState, error) {
	var states []*scan.ScanState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}
