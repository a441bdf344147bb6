package fetcher

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/precodata/preco-cli/internal/resilience"
)

// Options configures a Session.
type Options struct {
	BaseURL        string
	UserAgent      string
	Timeout        time.Duration
	Policy         resilience.Policy
	RequestsPerSec float64
}

// Session implements Client over a cookie-carrying resty client. The
// upstream ties its anti-forgery token to the session cookies, so one
// Session must serve a whole collection run.
type Session struct {
	client  *resty.Client
	policy  resilience.Policy
	limiter *rate.Limiter
}

// NewSession creates a Session with browser-like default headers and
// a fresh cookie jar.
func NewSession(opts Options) (*Session, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 1
	}
	if opts.Policy == (resilience.Policy{}) {
		opts.Policy = resilience.DefaultPolicy()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: cookie jar")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetCookieJar(jar).
		SetTimeout(opts.Timeout).
		SetHeaders(map[string]string{
			"User-Agent":      opts.UserAgent,
			"Accept-Language": "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7",
			"Connection":      "keep-alive",
		})

	return &Session{
		client:  client,
		policy:  opts.Policy,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
	}, nil
}

// BaseURL returns the session's base URL without a trailing slash.
func (s *Session) BaseURL() string {
	return s.client.BaseURL
}

// Get fetches a URL through the retry loop.
func (s *Session) Get(ctx context.Context, url string, headers map[string]string) (*resty.Response, error) {
	return s.do(ctx, http.MethodGet, url, nil, headers)
}

// PostForm sends an urlencoded form through the retry loop.
func (s *Session) PostForm(ctx context.Context, url string, form, headers map[string]string) (*resty.Response, error) {
	return s.do(ctx, http.MethodPost, url, form, headers)
}

// do issues the request until it succeeds, a fatal condition appears,
// or attempts run out. 429 responses wait an exact integer Retry-After
// when the server sent one and the computed backoff otherwise; 401 is
// fatal; everything else non-2xx (and any transport fault) is
// transient. No sleep follows the final failed attempt.
func (s *Session) do(ctx context.Context, method, url string, form, headers map[string]string) (*resty.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		req := s.client.R().SetContext(ctx)
		if len(headers) > 0 {
			req.SetHeaders(headers)
		}
		if form != nil {
			req.SetFormData(form)
		}

		resp, err := req.Execute(method, url)

		var wait time.Duration
		switch {
		case err != nil:
			lastErr = resilience.NewTransientError(err, 0)
			wait = s.policy.Backoff(attempt)
			zap.L().Warn("request failed, retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)

		case resp.StatusCode() == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"))
			lastErr = &resilience.RateLimitError{RetryAfter: retryAfter}
			if retryAfter != nil {
				wait = *retryAfter
			} else {
				wait = s.policy.Backoff(attempt)
			}
			zap.L().Warn("rate limited (429), backing off",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Bool("retry_after_honored", retryAfter != nil),
			)

		case resp.StatusCode() == http.StatusUnauthorized:
			return nil, resilience.NewFatalError(
				eris.Errorf("fetcher: session rejected (401) by %s", url))

		case resp.IsError():
			lastErr = resilience.NewTransientError(
				eris.Errorf("fetcher: status %d from %s", resp.StatusCode(), url),
				resp.StatusCode())
			wait = s.policy.Backoff(attempt)
			zap.L().Warn("server error, retrying",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode()),
				zap.Int("attempt", attempt),
			)

		default:
			return resp, nil
		}

		// Don't sleep after the last attempt.
		if attempt == s.policy.MaxAttempts {
			break
		}
		if err := resilience.Sleep(ctx, wait); err != nil {
			return nil, eris.Wrap(err, "fetcher: wait interrupted")
		}
	}

	return nil, &resilience.ExhaustedError{Attempts: s.policy.MaxAttempts, Last: lastErr}
}

// parseRetryAfter honors only the integer-seconds form of the header.
// Dates and malformed values fall back to computed backoff.
func parseRetryAfter(h string) *time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return nil
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 0 {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}
