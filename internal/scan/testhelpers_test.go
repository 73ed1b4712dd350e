package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eargollo/attic/internal/jira"
)

// fakeJira serves a fixed issue list as a paginated search API and content
// bytes keyed by URL. Download calls are counted per URL so tests can assert
// that oversize files are never fetched.
type fakeJira struct {
	issues  []jira.Issue
	content map[string][]byte // content URL -> bytes
	failing map[string]bool   // content URLs whose stream truncates

	// onDownload, when set, runs with the cumulative download count before
	// the body is served — used to trip a cancellation mid-batch.
	onDownload func(count int)

	mu        sync.Mutex
	downloads map[string]int
	searches  int
}

func newFakeJira(issues []jira.Issue) *fakeJira {
	return &fakeJira{
		issues:    issues,
		content:   make(map[string][]byte),
		failing:   make(map[string]bool),
		downloads: make(map[string]int),
	}
}

func (f *fakeJira) Count(ctx context.Context, jql string) (int, error) {
	return len(f.issues), nil
}

func (f *fakeJira) Search(ctx context.Context, jql string, startAt, maxResults int) (*jira.SearchResult, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()

	if startAt >= len(f.issues) {
		return &jira.SearchResult{StartAt: startAt, Total: len(f.issues)}, nil
	}
	end := startAt + maxResults
	if end > len(f.issues) {
		end = len(f.issues)
	}
	return &jira.SearchResult{
		StartAt: startAt,
		Total:   len(f.issues),
		Issues:  f.issues[startAt:end],
	}, nil
}

func (f *fakeJira) Download(ctx context.Context, contentURL string, timeout time.Duration) (io.ReadCloser, error) {
	f.mu.Lock()
	f.downloads[contentURL]++
	total := 0
	for _, n := range f.downloads {
		total += n
	}
	f.mu.Unlock()

	if f.onDownload != nil {
		f.onDownload(total)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failing[contentURL] {
		return io.NopCloser(&truncatedReader{}), nil
	}
	body, ok := f.content[contentURL]
	if !ok {
		return nil, fmt.Errorf("no content for %s", contentURL)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeJira) downloadCount(contentURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[contentURL]
}

// truncatedReader simulates a transfer that ends prematurely.
type truncatedReader struct{ read bool }

func (r *truncatedReader) Read(p []byte) (int, error) {
	if r.read {
		return 0, errors.New("unexpected EOF")
	}
	r.read = true
	n := copy(p, []byte("partial"))
	return n, nil
}

// memStore is an in-memory Store. Values are deep-copied through JSON on
// both save and load so tests observe real persistence semantics instead of
// shared pointers. afterSave, when set, runs after each SaveProgress —
// used to inject cooperative stops at checkpoint boundaries.
type memStore struct {
	mu          sync.Mutex
	scans       map[string][]byte
	stats       map[string][]byte
	groups      map[string][]byte
	checkpoints map[string]Checkpoint
	saves       atomic.Int64
	afterSave   func(saves int64)
}

func newMemStore() *memStore {
	return &memStore{
		scans:       make(map[string][]byte),
		stats:       make(map[string][]byte),
		groups:      make(map[string][]byte),
		checkpoints: make(map[string]Checkpoint),
	}
}

func (m *memStore) SaveScan(ctx context.Context, state *ScanState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.scans[state.ScanID] = b
	return nil
}

func (m *memStore) SaveProgress(ctx context.Context, state *ScanState, stats *Stats,
	groups map[string]*DuplicateGroup, lastIssueKey string, nextStartAt int) error {
	m.mu.Lock()
	sb, err := json.Marshal(state)
	if err == nil {
		m.scans[state.ScanID] = sb
	}
	if err == nil {
		var b []byte
		if b, err = json.Marshal(stats); err == nil {
			m.stats[state.ScanID] = b
		}
	}
	if err == nil {
		var b []byte
		if b, err = json.Marshal(groups); err == nil {
			m.groups[state.ScanID] = b
		}
	}
	m.checkpoints[state.ScanID] = Checkpoint{
		LastIssueKey: lastIssueKey,
		NextStartAt:  nextStartAt,
		Time:         time.Now().UTC(),
	}
	hook := m.afterSave
	saves := m.saves.Add(1)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(saves)
	}
	return nil
}

func (m *memStore) LoadScan(ctx context.Context, scanID string) (*ScanState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("scan %s not found", scanID)
	}
	var state ScanState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *memStore) LoadStats(ctx context.Context, scanID string) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.stats[scanID]
	if !ok {
		return nil, nil
	}
	var stats Stats
	if err := json.Unmarshal(b, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (m *memStore) LoadGroups(ctx context.Context, scanID string) (map[string]*DuplicateGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := make(map[string]*DuplicateGroup)
	b, ok := m.groups[scanID]
	if !ok {
		return groups, nil
	}
	if err := json.Unmarshal(b, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (m *memStore) LoadCheckpoint(ctx context.Context, scanID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[scanID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// testIssue builds an issue in project P with the given attachments.
func testIssue(key string, attachments ...jira.Attachment) jira.Issue {
	return jira.Issue{
		Key: key,
		Fields: jira.Fields{
			Project:     jira.Project{Key: "P", Name: "Project P"},
			Status:      jira.Status{Name: "Open", StatusCategory: jira.StatusCategory{Key: "new", Name: "To Do"}},
			Updated:     "2026-01-15T10:00:00.000+0000",
			Attachments: attachments,
		},
	}
}

// testAttachment builds an attachment with a content URL derived from its id.
func testAttachment(id, filename string, size int64) jira.Attachment {
	return jira.Attachment{
		ID:       id,
		Filename: filename,
		Size:     size,
		MimeType: "application/octet-stream",
		Content:  "https://jira.example.com/secure/attachment/" + id,
		Created:  "2026-01-10T09:00:00.000+0000",
		Author:   jira.Author{Name: "mrivera", DisplayName: "M. Rivera"},
	}
}

// newTestScanner wires a Scanner over the fakes with test-friendly sizing.
func newTestScanner(tb testing.TB, fj *fakeJira, store Store, opts Options) *Scanner {
	tb.Helper()
	pool := NewPool(fj, PoolConfig{
		Workers:         4,
		MaxFileBytes:    1 << 20,
		DownloadTimeout: time.Second,
		UseContentHash:  true,
	})
	return New(fj, pool, store, opts, nil)
}

// marshalResult renders stats and groups as canonical JSON for byte-level
// comparison between runs.
func marshalResult(tb testing.TB, stats *Stats, groups map[string]*DuplicateGroup) string {
	tb.Helper()
	sb, err := json.Marshal(stats)
	if err != nil {
		tb.Fatalf("marshal stats: %v", err)
	}
	gb, err := json.Marshal(groups)
	if err != nil {
		tb.Fatalf("marshal groups: %v", err)
	}
	return string(sb) + "\n" + string(gb)
}
