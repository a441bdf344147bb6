// Package fetcher provides the session-bound HTTP client used against
// the price endpoint, with per-host rate limiting and retry.
package fetcher

import (
	"context"

	"github.com/go-resty/resty/v2"
)

// Client is the request surface the collection pipeline consumes.
// Implementations carry session state (cookies) across calls.
type Client interface {
	// Get fetches a URL, absolute or relative to the session base,
	// with optional per-request headers.
	Get(ctx context.Context, url string, headers map[string]string) (*resty.Response, error)

	// PostForm sends an urlencoded form with per-request headers.
	PostForm(ctx context.Context, url string, form, headers map[string]string) (*resty.Response, error)

	// BaseURL returns the session's base URL without a trailing slash.
	BaseURL() string
}
