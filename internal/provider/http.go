package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/ratelimit"
)

const maxBodyBytes = 32 << 20

// transport performs rate-limited GETs and maps failures to error kinds
type transport struct {
	client  *http.Client
	limiter ratelimit.Limiter
	now     func() time.Time
}

func newTransport(opts Options) *transport {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLocal(0)
	}
	return &transport{client: client, limiter: limiter, now: time.Now}
}

// get returns the body of a 200 response. A connection reset or truncated
// response is retried once on a fresh request; everything else is returned
// to the caller classified.
func (t *transport) get(ctx context.Context, op, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, errs.E(errs.Cancelled, op, ctx.Err())
			}
			return nil, errs.E(errs.NetworkTransient, op, fmt.Errorf("rate limiter: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, errs.E(errs.InvalidRequest, op, err)
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (market-data-ingestor)")
		req.Header.Set("Accept", "application/json")

		body, status, header, err := t.do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errs.E(errs.Cancelled, op, ctx.Err())
			}
			lastErr = err
			if isReconnectable(err) {
				continue
			}
			return nil, errs.E(errs.NetworkTransient, op, err)
		}
		if status != http.StatusOK {
			return nil, t.statusError(op, status, header, body)
		}
		return body, nil
	}
	return nil, errs.E(errs.NetworkTransient, op, lastErr)
}

func (t *transport) do(req *http.Request) ([]byte, int, http.Header, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, resp.Header, nil
}

func (t *transport) statusError(op string, status int, header http.Header, body []byte) error {
	cause := fmt.Errorf("status %d: %s", status, snippet(body))
	switch {
	case status == http.StatusTooManyRequests:
		e := errs.E(errs.RateLimited, op, cause)
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), t.now())
		return e
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.E(errs.Unauthenticated, op, cause)
	case status == http.StatusNotFound:
		return errs.E(errs.NotFound, op, cause)
	case status >= 500:
		return errs.E(errs.Unavailable, op, cause)
	default:
		return errs.E(errs.MalformedResponse, op, cause)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP-date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isReconnectable(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
