// Package jira is a read-only client for the Jira Data Center REST API v2.
package jira

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/eargollo/attic/internal/ratelimit"
)

// searchFields is always requested so the scanner sees attachments, project,
// status and the last-updated timestamp in one round trip.
const searchFields = "key,attachment,project,status,updated"

// Error taxonomy surfaced to the orchestrator. Use errors.Is to branch.
var (
	// ErrAuth means the credentials were rejected (HTTP 401).
	ErrAuth = errors.New("authentication failed: check credentials")
	// ErrForbidden means the credentials lack permission (HTTP 403).
	ErrForbidden = errors.New("permission denied: check API token permissions")
	// ErrRateLimited means the server throttled us (HTTP 429). Not retried:
	// the rate limiter is responsible for prevention, this is the signal to
	// lower the configured rate.
	ErrRateLimited = errors.New("rate limited by server: lower scan.rate_limit_per_second")
)

const maxAttempts = 3

// Options configures a Client.
type Options struct {
	BaseURL   string
	Token     string
	Username  string
	Password  string
	VerifySSL bool
	// PoolSize caps idle connections per host; sized ~2x the download
	// worker count so workers never queue on the transport.
	PoolSize int
	Limiter  *ratelimit.Limiter
}

// Client is an authenticated, pooled, rate-limited HTTP client for one Jira
// instance. Safe for concurrent use.
type Client struct {
	baseURL  string
	token    string
	username string
	password string
	httpc    *http.Client
	limiter  *ratelimit.Limiter
}

// New validates credentials and builds the pooled transport.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("jira: base URL is required")
	}
	hasToken := opts.Token != ""
	hasBasic := opts.Username != "" && opts.Password != ""
	if hasToken == hasBasic {
		return nil, errors.New("jira: exactly one of token or username+password must be provided")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 24
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(0)
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = opts.PoolSize
	tr.MaxIdleConnsPerHost = opts.PoolSize
	tr.IdleConnTimeout = 90 * time.Second
	if !opts.VerifySSL {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/"),
		token:    opts.Token,
		username: opts.Username,
		password: opts.Password,
		// No client timeout: download duration is bounded per request by
		// the caller's context.
		httpc:   &http.Client{Transport: tr},
		limiter: opts.Limiter,
	}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/json")
}

// statusError maps a non-2xx response to the error taxonomy. 5xx errors are
// marked retryable.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuth
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("server error: %s", resp.Status))
	default:
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
}

// getJSON performs a rate-limited GET and decodes the JSON body into v.
// Network errors and 5xx responses are retried up to maxAttempts with
// exponential backoff; 401/403/429 fail fast.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		c.authorize(req)

		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Connection resets, DNS failures and friends are transient.
			return retry.RetryableError(fmt.Errorf("request %s: %w", path, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}

// Count returns the total number of issues matching jql. Data Center has no
// approximate-count endpoint; a search with maxResults=0 returns the total
// without issue bodies.
func (c *Client) Count(ctx context.Context, jql string) (int, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("maxResults", "0")
	q.Set("fields", "key")

	var res SearchResult
	if err := c.getJSON(ctx, "/rest/api/2/search", q, &res); err != nil {
		return 0, fmt.Errorf("count issues: %w", err)
	}
	return res.Total, nil
}

// Search returns one page of issues matching jql, starting at startAt.
func (c *Client) Search(ctx context.Context, jql string, startAt, maxResults int) (*SearchResult, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(maxResults))
	q.Set("fields", searchFields)

	var res SearchResult
	if err := c.getJSON(ctx, "/rest/api/2/search", q, &res); err != nil {
		return nil, fmt.Errorf("search issues at %d: %w", startAt, err)
	}
	return &res, nil
}

// Download streams the attachment bytes at contentURL. The body is never
// buffered; the caller must Close the returned reader. timeout bounds the
// whole transfer, not just the connection. Request initiation gets the
// same retry policy as the JSON calls — connection resets and 5xx before
// any byte arrives are retried up to maxAttempts; a failure mid-stream is
// the caller's to handle.
func (c *Client) Download(ctx context.Context, contentURL string, timeout time.Duration) (io.ReadCloser, error) {
	dctx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, timeout)
	}

	var rc io.ReadCloser
	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(dctx, backoff, func(rctx context.Context) error {
		if err := c.limiter.Acquire(rctx); err != nil {
			return err
		}

		// The request carries dctx, not rctx: the timeout must bound the
		// stream for as long as the caller reads it.
		req, err := http.NewRequestWithContext(dctx, http.MethodGet, contentURL, nil)
		if err != nil {
			return err
		}
		c.authorize(req)
		req.Header.Del("Accept") // raw bytes, not JSON

		resp, err := c.httpc.Do(req)
		if err != nil {
			if dctx.Err() != nil {
				return dctx.Err()
			}
			return retry.RetryableError(fmt.Errorf("download: %w", err))
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return statusError(resp)
		}
		rc = &cancelReadCloser{rc: resp.Body, cancel: cancel}
		return nil
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("download: %w", err)
	}
	return rc, nil
}

// Ping performs an authenticated self-check against /rest/api/2/myself.
func (c *Client) Ping(ctx context.Context) error {
	var me map[string]any
	if err := c.getJSON(ctx, "/rest/api/2/myself", nil, &me); err != nil {
		slog.Error("connection test failed", "error", err)
		return err
	}
	return nil
}

// cancelReadCloser releases the per-download timeout context when the
// caller finishes reading the body.
type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}
