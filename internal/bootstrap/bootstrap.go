// Package bootstrap establishes the upstream session and discovers
// the anti-forgery token the price endpoint requires.
package bootstrap

import (
	"context"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/precodata/preco-cli/internal/csrf"
	"github.com/precodata/preco-cli/internal/fetcher"
	"github.com/precodata/preco-cli/internal/resilience"
)

// Options tunes token discovery.
type Options struct {
	// MaxScripts caps how many script assets are scanned when the
	// landing page itself holds no token. Default: 25.
	MaxScripts int

	// AssetPause is the wait between script fetches. Default: 100ms.
	AssetPause time.Duration
}

// Bootstrapper warms a session against the landing page and hunts the
// token first in the page markup, then in its script bundles.
type Bootstrapper struct {
	client     fetcher.Client
	maxScripts int
	assetPause time.Duration
}

// New creates a Bootstrapper over the given session client.
func New(client fetcher.Client, opts Options) *Bootstrapper {
	if opts.MaxScripts <= 0 {
		opts.MaxScripts = 25
	}
	if opts.AssetPause <= 0 {
		opts.AssetPause = 100 * time.Millisecond
	}
	return &Bootstrapper{
		client:     client,
		maxScripts: opts.MaxScripts,
		assetPause: opts.AssetPause,
	}
}

// Discover fetches the landing page (seeding session cookies) and
// returns the anti-forgery token. Collection must not proceed without
// one: a token found nowhere is a fatal error.
func (b *Bootstrapper) Discover(ctx context.Context) (string, error) {
	resp, err := b.client.Get(ctx, "/", nil)
	if err != nil {
		return "", eris.Wrap(err, "bootstrap: fetch landing page")
	}

	page := string(resp.Body())
	if m, ok := csrf.Find(page); ok {
		zap.L().Info("bootstrap: token found in page markup",
			zap.String("strategy", m.Strategy),
		)
		return m.Token, nil
	}

	base, err := url.Parse(b.client.BaseURL())
	if err != nil {
		return "", eris.Wrap(err, "bootstrap: parse base url")
	}

	srcs, err := csrf.ScriptSources(page, base)
	if err != nil {
		return "", eris.Wrap(err, "bootstrap: enumerate scripts")
	}
	if len(srcs) > b.maxScripts {
		srcs = srcs[:b.maxScripts]
	}
	zap.L().Info("bootstrap: token not in markup, scanning script assets",
		zap.Int("scripts", len(srcs)),
	)

	referer := map[string]string{"Referer": b.client.BaseURL() + "/"}
	for i, src := range srcs {
		if i > 0 {
			if err := resilience.Sleep(ctx, b.assetPause); err != nil {
				return "", eris.Wrap(err, "bootstrap: scan interrupted")
			}
		}

		resp, err := b.client.Get(ctx, src, referer)
		if err != nil {
			if ctx.Err() != nil {
				return "", eris.Wrap(err, "bootstrap: scan interrupted")
			}
			zap.L().Warn("bootstrap: script fetch failed, skipping",
				zap.String("url", src),
				zap.Error(err),
			)
			continue
		}

		if m, ok := csrf.Find(string(resp.Body())); ok {
			zap.L().Info("bootstrap: token found in script asset",
				zap.String("url", src),
				zap.String("strategy", m.Strategy),
			)
			return m.Token, nil
		}
	}

	return "", resilience.NewFatalError(
		eris.New("bootstrap: anti-forgery token not found in page markup or script assets"))
}
