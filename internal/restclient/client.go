// Package restclient wraps the platform's paginated HTTP API (spec.md
// §4.2). Retry/backoff/rate-limit-header handling is adapted from
// AgentWorkforce-relayfile's HTTPNotionWriteClient.doWrite, generalized
// from a single POST-only write path to arbitrary methods plus the
// distinguished abort sentinel this spec requires.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"archivesync/internal/errs"
	"archivesync/internal/logging"
	"archivesync/internal/ratelimit"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultMaxBackoff  = 60 * time.Second
	backoffStep        = 2 * time.Second
	defaultHTTPTimeout = 20 * time.Second
)

type Options struct {
	BaseURL     string
	Credential  string // token including its kind prefix, spec.md §6
	UserAgent   string
	HTTPClient  *http.Client
	GlobalLimit *ratelimit.Limiter // per-account global REST limiter, ~49/1s
}

type Client struct {
	baseURL    string
	credential string
	userAgent  string
	http       *http.Client
	global     *ratelimit.Limiter

	// endpointResets tracks the per-endpoint rate-limit-reset future from
	// the previous response on that endpoint (spec.md §4.2: "Callers
	// await it before the next request on the same endpoint").
	endpointResets map[string]<-chan struct{}
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		credential:     opts.Credential,
		userAgent:      opts.UserAgent,
		http:           httpClient,
		global:         opts.GlobalLimit,
		endpointResets: make(map[string]<-chan struct{}),
	}
}

// Request describes one call against the platform's REST API.
type Request struct {
	Method         string
	Path           string // used as the endpoint key for rate-limit tracking
	Body           any
	AbortOnFailure bool // spec.md §4.2: don't consume a non-2xx body, just cancel
}

// Result is the structured outcome spec.md §4.2 requires: the raw
// response, its parsed body (if any), and a future the caller awaits
// before its next request on the same endpoint.
type Result struct {
	StatusCode int
	Body       json.RawMessage
	ResetAfter <-chan struct{}
}

// Do executes req with retry, backoff, and rate-limit coordination per
// spec.md §4.2. A cancelled ctx surfaces as errs.ErrAbort, never as an
// ordinary error.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	if prev, ok := c.endpointResets[req.Path]; ok && prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return nil, errs.ErrAbort
		}
	}

	if c.global != nil {
		if err := c.global.Acquire(ctx); err != nil {
			return nil, errs.ErrAbort
		}
	}

	var backoff time.Duration
	for attempt := 0; ; attempt++ {
		result, retry, err := c.attempt(ctx, req)
		if err != nil {
			if pkgerrors.Is(err, context.Canceled) || pkgerrors.Is(err, context.DeadlineExceeded) {
				return nil, errs.ErrAbort
			}
			if !retry {
				return nil, err
			}
			logging.Warn("restclient: retrying after transport error",
				zap.String("path", req.Path), zap.Error(err), zap.Duration("backoff", backoff))
			backoff = nextBackoff(backoff)
			if werr := waitContext(ctx, backoff); werr != nil {
				return nil, errs.ErrAbort
			}
			continue
		}
		if retry {
			backoff = nextBackoff(backoff)
			if werr := waitContext(ctx, backoff); werr != nil {
				return nil, errs.ErrAbort
			}
			continue
		}
		return result, nil
	}
}

func (c *Client) attempt(ctx context.Context, req Request) (*Result, bool, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, false, pkgerrors.Wrap(err, "restclient: marshal request body")
		}
		bodyReader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bodyReader)
	if err != nil {
		return nil, false, pkgerrors.Wrap(err, "restclient: build request")
	}
	httpReq.Header.Set("Authorization", c.credential)
	httpReq.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, errs.ErrTransientTransport.WrapMsg(err.Error())
	}
	defer resp.Body.Close()

	resetAfter := c.armResetFuture(req.Path, resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		scope := resp.Header.Get("X-RateLimit-Scope")
		logging.Warn("restclient: rate limited", zap.String("path", req.Path), zap.String("scope", scope))
		return nil, true, nil
	}
	if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
		logging.Warn("restclient: server error, retrying", zap.String("path", req.Path), zap.Int("status", resp.StatusCode))
		return nil, true, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if req.AbortOnFailure {
			return &Result{StatusCode: resp.StatusCode, ResetAfter: resetAfter}, false, nil
		}
		body, _ := io.ReadAll(resp.Body)
		// spec.md §7: a 401 means the credential itself is dead, not that
		// this one request lacked permission — the owning account must be
		// disconnected and removed, never just retried or treated like an
		// ordinary access-denied response.
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, false, errs.ErrAuthExpired.WithDetail(fmt.Sprintf("status=%d body=%s", resp.StatusCode, truncate(body, 256)))
		}
		return nil, false, errs.ErrAccessDenied.WithDetail(fmt.Sprintf("status=%d body=%s", resp.StatusCode, truncate(body, 256)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, errs.ErrTransientTransport.WrapMsg(err.Error())
	}
	return &Result{StatusCode: resp.StatusCode, Body: body, ResetAfter: resetAfter}, false, nil
}

// armResetFuture reads the rate-limit headers from a response and, if
// remaining == 0, returns a channel that closes after reset-after seconds;
// otherwise an already-closed channel (spec.md §4.2).
func (c *Client) armResetFuture(path string, header http.Header) <-chan struct{} {
	ch := make(chan struct{})
	remaining := header.Get("X-RateLimit-Remaining")
	resetAfter := header.Get("X-RateLimit-Reset-After")

	if remaining != "0" || resetAfter == "" {
		close(ch)
		c.endpointResets[path] = ch
		return ch
	}
	seconds, err := strconv.ParseFloat(resetAfter, 64)
	if err != nil || seconds <= 0 {
		close(ch)
		c.endpointResets[path] = ch
		return ch
	}
	go func() {
		time.Sleep(time.Duration(seconds * float64(time.Second)))
		close(ch)
	}()
	c.endpointResets[path] = ch
	return ch
}

func nextBackoff(current time.Duration) time.Duration {
	next := current + backoffStep
	if next > defaultMaxBackoff {
		return defaultMaxBackoff
	}
	return next
}

func waitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
