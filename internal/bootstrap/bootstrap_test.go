package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precodata/preco-cli/internal/fetcher"
	"github.com/precodata/preco-cli/internal/resilience"
)

func newSession(t *testing.T, baseURL string, maxAttempts int) *fetcher.Session {
	t.Helper()
	s, err := fetcher.NewSession(fetcher.Options{
		BaseURL: baseURL,
		Policy: resilience.Policy{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		},
		RequestsPerSec: 1000,
	})
	require.NoError(t, err)
	return s
}

func fastOptions() Options {
	return Options{MaxScripts: 25, AssetPause: time.Millisecond}
}

func TestDiscoverFromMarkup(t *testing.T) {
	var assetHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/static/") {
			assetHits.Add(1)
			return
		}
		fmt.Fprint(w, `<html><head>
			<meta name="csrf-token" content="tok-markup">
			<script src="/static/app.js"></script>
		</head></html>`)
	}))
	defer srv.Close()

	b := New(newSession(t, srv.URL, 3), fastOptions())
	token, err := b.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-markup", token)
	assert.Zero(t, assetHits.Load(), "markup hit should skip the asset scan")
}

func TestDiscoverFromScriptAsset(t *testing.T) {
	var mu sync.Mutex
	var referers []string

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>
			<script src="/static/vendor.js"></script>
			<script src="/static/app.js"></script>
		</head></html>`)
	})
	mux.HandleFunc("/static/vendor.js", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		referers = append(referers, r.Header.Get("Referer"))
		mu.Unlock()
		fmt.Fprint(w, `console.log("no token here")`)
	})
	mux.HandleFunc("/static/app.js", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		referers = append(referers, r.Header.Get("Referer"))
		mu.Unlock()
		fmt.Fprint(w, `var csrfToken = "tok-asset";`)
	})

	b := New(newSession(t, srv.URL, 3), fastOptions())
	token, err := b.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-asset", token)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, referers, 2, "assets are scanned in document order")
	for _, ref := range referers {
		assert.Equal(t, srv.URL+"/", ref)
	}
}

func TestDiscoverCapsScriptScan(t *testing.T) {
	var mu sync.Mutex
	assetHits := 0

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var sb strings.Builder
		sb.WriteString("<html><head>")
		for i := 0; i < 30; i++ {
			fmt.Fprintf(&sb, `<script src="/static/s%d.js"></script>`, i)
		}
		sb.WriteString("</head></html>")
		fmt.Fprint(w, sb.String())
	})
	mux.HandleFunc("/static/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		assetHits++
		mu.Unlock()
		fmt.Fprint(w, "nothing")
	})

	b := New(newSession(t, srv.URL, 1), Options{MaxScripts: 5, AssetPause: time.Millisecond})
	_, err := b.Discover(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, assetHits)
}

func TestDiscoverSkipsFailingAsset(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>
			<script src="/static/broken.js"></script>
			<script src="/static/good.js"></script>
		</head></html>`)
	})
	mux.HandleFunc("/static/broken.js", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/static/good.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"csrf_token": "tok-after-failure"}`)
	})

	b := New(newSession(t, srv.URL, 1), fastOptions())
	token, err := b.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-after-failure", token)
}

func TestDiscoverTokenNowhere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>plain page, no scripts</body></html>`)
	}))
	defer srv.Close()

	b := New(newSession(t, srv.URL, 1), fastOptions())
	_, err := b.Discover(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
	assert.Contains(t, err.Error(), "token not found")
}

func TestDiscoverLandingFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := New(newSession(t, srv.URL, 2), fastOptions())
	_, err := b.Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch landing page")
}
