package scan

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/eargollo/attic/internal/jira"
)

// HashSource records how an attachment's fingerprint was obtained.
type HashSource int

const (
	// SourceContent is the SHA-256 of the downloaded bytes.
	SourceContent HashSource = iota
	// SourceURLFallback is the SHA-256 of the content URL, used when the
	// bytes could not be fetched or the fast path is configured.
	SourceURLFallback
	// SourceOversizeSkip is the URL hash of a file whose declared size
	// exceeds the configured maximum; the bytes are never requested.
	SourceOversizeSkip
)

func (s HashSource) String() string {
	switch s {
	case SourceContent:
		return "content"
	case SourceURLFallback:
		return "url-fallback"
	case SourceOversizeSkip:
		return "oversize-skip"
	default:
		return "unknown"
	}
}

// HashResult is one attachment's fingerprint paired with its metadata.
type HashResult struct {
	AttachmentID string
	Hash         string
	Source       HashSource
	Attachment   jira.Attachment
}

// Downloader is the slice of the Jira client the pool needs.
type Downloader interface {
	Download(ctx context.Context, contentURL string, timeout time.Duration) (io.ReadCloser, error)
}

// PoolConfig tunes the download fan-out.
type PoolConfig struct {
	Workers         int
	MaxFileBytes    int64
	DownloadTimeout time.Duration
	UseContentHash  bool
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:         12,
		MaxFileBytes:    5 << 30,
		DownloadTimeout: 300 * time.Second,
		UseContentHash:  true,
	}
}

// Pool downloads and hashes attachment batches over a bounded worker set.
// Workers share nothing; results are appended under a mutex and returned in
// arbitrary order. HashBatch returns only after every worker of the batch
// has finished, so cancellation is a matter of cancelling ctx and waiting
// for the call to return.
type Pool struct {
	client Downloader
	cfg    PoolConfig
}

// NewPool creates a Pool. Zero config fields fall back to defaults.
func NewPool(client Downloader, cfg PoolConfig) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = def.MaxFileBytes
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = def.DownloadTimeout
	}
	return &Pool{client: client, cfg: cfg}
}

// HashBatch fingerprints every attachment in the batch, at most
// cfg.Workers concurrently. Per-file failures degrade to URL hashes; the
// batch never fails as a whole. Cancellation is the exception: cancelled
// items are dropped from the result rather than mislabelled as fallbacks,
// and the caller must treat the batch as incomplete when ctx is done.
func (p *Pool) HashBatch(ctx context.Context, attachments []jira.Attachment) []HashResult {
	results := make([]HashResult, 0, len(attachments))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	for _, att := range attachments {
		att := att
		g.Go(func() error {
			res, err := p.hashOne(gctx, att)
			if err != nil {
				// Only cancellation reaches here; it also cancels gctx so
				// the remaining workers bail out fast.
				return err
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // the caller detects cancellation through ctx

	return results
}

// hashOne fingerprints a single attachment, applying the per-item policy:
// oversize files and failed fetches get the URL hash instead of aborting.
// A fetch that failed because ctx was cancelled is not a per-file failure;
// it returns the context error so the item is not misfiled under a URL
// hash that a resumed scan would never correct.
func (p *Pool) hashOne(ctx context.Context, att jira.Attachment) (HashResult, error) {
	res := HashResult{AttachmentID: att.ID, Attachment: att}

	if att.Size > p.cfg.MaxFileBytes {
		slog.Info("skipping oversize file",
			"file", att.Filename,
			"size", humanize.IBytes(uint64(att.Size)))
		res.Hash = HashURL(att.Content)
		res.Source = SourceOversizeSkip
		return res, nil
	}

	if !p.cfg.UseContentHash {
		res.Hash = HashURL(att.Content)
		res.Source = SourceURLFallback
		return res, nil
	}

	rc, err := p.client.Download(ctx, att.Content, p.cfg.DownloadTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return HashResult{}, ctx.Err()
		}
		slog.Warn("download failed, using URL hash",
			"file", att.Filename, "error", err)
		res.Hash = HashURL(att.Content)
		res.Source = SourceURLFallback
		return res, nil
	}
	defer rc.Close()

	hash, err := HashReader(rc)
	if err != nil {
		if ctx.Err() != nil {
			return HashResult{}, ctx.Err()
		}
		// Truncated transfer or read timeout mid-stream.
		slog.Warn("download incomplete, using URL hash",
			"file", att.Filename, "error", err)
		res.Hash = HashURL(att.Content)
		res.Source = SourceURLFallback
		return res, nil
	}

	res.Hash = hash
	res.Source = SourceContent
	return res, nil
}
