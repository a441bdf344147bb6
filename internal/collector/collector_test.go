package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precodata/preco-cli/internal/fetcher"
	"github.com/precodata/preco-cli/internal/model"
	"github.com/precodata/preco-cli/internal/resilience"
	"github.com/precodata/preco-cli/internal/sink"
)

type stubTokens struct {
	token string
	err   error
}

func (s stubTokens) Discover(context.Context) (string, error) {
	return s.token, s.err
}

// upstream fakes the price endpoint: per-category canned responses
// plus request accounting.
type upstream struct {
	mu       sync.Mutex
	requests []url2form
	respond  func(anp, pagina string, w http.ResponseWriter)
}

type url2form struct {
	anp    string
	pagina string
	token  string
}

func (u *upstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/precos/" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		u.mu.Lock()
		u.requests = append(u.requests, url2form{
			anp:    r.PostFormValue("anp"),
			pagina: r.PostFormValue("pagina"),
			token:  r.Header.Get("X-CSRFToken"),
		})
		u.mu.Unlock()
		u.respond(r.PostFormValue("anp"), r.PostFormValue("pagina"), w)
	})
}

func (u *upstream) recorded() []url2form {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]url2form, len(u.requests))
	copy(out, u.requests)
	return out
}

func itemsJSON(n int, tag string) string {
	items := make([]string, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, fmt.Sprintf(`{"nome_fantasia":"POSTO %s %d","valor_venda":5.%d}`, tag, i, i))
	}
	out, _ := json.Marshal(items)
	// items are already JSON objects; build the array by hand instead
	_ = out
	s := "["
	for i, it := range items {
		if i > 0 {
			s += ","
		}
		s += it
	}
	return s + "]"
}

func newTestRunner(t *testing.T, baseURL, outDir string, opts Options) *Runner {
	t.Helper()
	sess, err := fetcher.NewSession(fetcher.Options{
		BaseURL: baseURL,
		Policy: resilience.Policy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		RequestsPerSec: 1000,
	})
	require.NoError(t, err)

	if opts.PauseMin == 0 {
		opts.PauseMin = time.Millisecond
		opts.PauseMax = 2 * time.Millisecond
	}
	return NewRunner(sess, stubTokens{token: "tok-test"}, sink.New(outDir, "precodahora"), opts)
}

func TestRunTwoCategories(t *testing.T) {
	up := &upstream{respond: func(anp, pagina string, w http.ResponseWriter) {
		switch anp {
		case "GASOLINA":
			fmt.Fprintf(w, `{"resultado":%s,"totalPaginas":1,"totalRegistros":3,"registrosdaPagina":3}`, itemsJSON(3, "G"))
		case "ETANOL":
			fmt.Fprint(w, `{"resultado":[],"totalPaginas":1,"totalRegistros":0,"registrosdaPagina":0}`)
		default:
			http.Error(w, "unknown category", http.StatusBadRequest)
		}
	}}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	outDir := t.TempDir()
	r := newTestRunner(t, srv.URL, outDir, Options{MaxPages: 1})

	overall, err := r.Run(context.Background(), []model.Fuel{model.FuelGasolina, model.FuelEtanol})
	require.NoError(t, err)
	require.Len(t, overall.Runs, 2)
	assert.Equal(t, outDir, overall.OutDir)
	assert.False(t, overall.FinishedAtUTC.IsZero())

	gas, eta := overall.Runs[0], overall.Runs[1]
	assert.Equal(t, "GASOLINA", gas.ANP)
	assert.Equal(t, "ETANOL", eta.ANP)

	// Fresh, distinct run ids.
	_, err = uuid.Parse(gas.RunID)
	require.NoError(t, err)
	_, err = uuid.Parse(eta.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, gas.RunID, eta.RunID)

	// Reported stats carried into the manifest.
	assert.Equal(t, 3, gas.ResponseStats.RowsWritten)
	assert.Equal(t, 3, gas.ResponseStats.TotalRegistrosReported)
	assert.Equal(t, 1, gas.ResponseStats.PagesFetched)
	assert.Zero(t, eta.ResponseStats.RowsWritten)

	// Rows on disk: stamped with provenance, raw carried verbatim.
	var rows []model.CollectedRow
	require.NoError(t, sink.EachRow(gas.DataFile, func(row model.CollectedRow) error {
		rows = append(rows, row)
		return nil
	}))
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, gas.RunID, row.RunID)
		assert.Equal(t, "precodahora", row.Source)
		assert.Equal(t, "GASOLINA", row.ANP)
		assert.Equal(t, "1", row.Query.Pagina)
		assert.False(t, row.CollectedAtUTC.IsZero())
	}
	assert.Contains(t, string(rows[0].Raw), "POSTO G 0")

	// Zero-result category still produces a (empty) data file.
	data, err := os.ReadFile(eta.DataFile)
	require.NoError(t, err)
	assert.Empty(t, data)

	// Overall manifest on disk matches what Run returned.
	raw, err := os.ReadFile(filepath.Join(outDir, sink.OverallManifestName))
	require.NoError(t, err)
	var fromDisk model.OverallManifest
	require.NoError(t, json.Unmarshal(raw, &fromDisk))
	assert.Len(t, fromDisk.Runs, 2)

	// Every request carried the bootstrap token.
	for _, req := range up.recorded() {
		assert.Equal(t, "tok-test", req.token)
	}
}

func TestRunFailureIsolation(t *testing.T) {
	up := &upstream{respond: func(anp, pagina string, w http.ResponseWriter) {
		if anp == "GNV" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"resultado":%s,"totalPaginas":1}`, itemsJSON(2, anp))
	}}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	outDir := t.TempDir()
	r := newTestRunner(t, srv.URL, outDir, Options{MaxPages: 1})

	overall, err := r.Run(context.Background(), []model.Fuel{model.FuelGNV, model.FuelGasolina})
	require.NoError(t, err, "a failed category must not fail the run")
	require.Len(t, overall.Runs, 1)
	assert.Equal(t, "GASOLINA", overall.Runs[0].ANP)
	assert.Equal(t, 2, overall.Runs[0].ResponseStats.RowsWritten)

	// The failed category left no batch behind.
	_, err = os.Stat(filepath.Join(outDir, "source=precodahora", "anp=GNV"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunMalformedResultado(t *testing.T) {
	up := &upstream{respond: func(anp, pagina string, w http.ResponseWriter) {
		fmt.Fprint(w, `{"resultado":{"unexpected":"object"}}`)
	}}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	r := newTestRunner(t, srv.URL, t.TempDir(), Options{MaxPages: 1})
	overall, err := r.Run(context.Background(), []model.Fuel{model.FuelGasolina})
	require.NoError(t, err)
	assert.Empty(t, overall.Runs)

	// Shape errors are not retried: one request total.
	assert.Len(t, up.recorded(), 1)
}

func TestRunPagination(t *testing.T) {
	newUpstream := func() *upstream {
		return &upstream{respond: func(anp, pagina string, w http.ResponseWriter) {
			fmt.Fprintf(w, `{"resultado":%s,"totalPaginas":3,"totalRegistros":9,"registrosdaPagina":3}`,
				itemsJSON(3, "P"+pagina))
		}}
	}

	t.Run("bounded by max pages", func(t *testing.T) {
		up := newUpstream()
		srv := httptest.NewServer(up.handler())
		defer srv.Close()

		r := newTestRunner(t, srv.URL, t.TempDir(), Options{MaxPages: 2})
		overall, err := r.Run(context.Background(), []model.Fuel{model.FuelGasolina})
		require.NoError(t, err)
		require.Len(t, overall.Runs, 1)

		stats := overall.Runs[0].ResponseStats
		assert.Equal(t, 2, stats.PagesFetched)
		assert.Equal(t, 3, stats.TotalPaginasReported)
		assert.Equal(t, 6, stats.RowsWritten)

		var paginas []string
		for _, req := range up.recorded() {
			paginas = append(paginas, req.pagina)
		}
		assert.Equal(t, []string{"1", "2"}, paginas)
	})

	t.Run("zero fetches all reported", func(t *testing.T) {
		up := newUpstream()
		srv := httptest.NewServer(up.handler())
		defer srv.Close()

		r := newTestRunner(t, srv.URL, t.TempDir(), Options{MaxPages: 0})
		overall, err := r.Run(context.Background(), []model.Fuel{model.FuelGasolina})
		require.NoError(t, err)
		require.Len(t, overall.Runs, 1)

		stats := overall.Runs[0].ResponseStats
		assert.Equal(t, 3, stats.PagesFetched)
		assert.Equal(t, 9, stats.RowsWritten)

		// Rows keep their page's query in provenance.
		var rows []model.CollectedRow
		require.NoError(t, sink.EachRow(overall.Runs[0].DataFile, func(row model.CollectedRow) error {
			rows = append(rows, row)
			return nil
		}))
		require.Len(t, rows, 9)
		assert.Equal(t, "1", rows[0].Query.Pagina)
		assert.Equal(t, "2", rows[3].Query.Pagina)
		assert.Equal(t, "3", rows[6].Query.Pagina)
	})
}

func TestRunBootstrapFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the endpoint")
	}))
	defer srv.Close()

	sess, err := fetcher.NewSession(fetcher.Options{BaseURL: srv.URL, RequestsPerSec: 1000})
	require.NoError(t, err)

	outDir := t.TempDir()
	r := NewRunner(sess,
		stubTokens{err: resilience.NewFatalError(fmt.Errorf("token not found"))},
		sink.New(outDir, "precodahora"),
		Options{PauseMin: time.Millisecond, PauseMax: 2 * time.Millisecond},
	)

	_, err = r.Run(context.Background(), []model.Fuel{model.FuelGasolina})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session bootstrap")
	assert.True(t, resilience.IsFatal(err))

	_, statErr := os.Stat(filepath.Join(outDir, sink.OverallManifestName))
	assert.True(t, os.IsNotExist(statErr), "failed bootstrap writes no summary")
}

func TestRunFreshIDsPerInvocation(t *testing.T) {
	up := &upstream{respond: func(anp, pagina string, w http.ResponseWriter) {
		fmt.Fprintf(w, `{"resultado":%s,"totalPaginas":1}`, itemsJSON(1, "X"))
	}}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	outDir := t.TempDir()
	r := newTestRunner(t, srv.URL, outDir, Options{MaxPages: 1})

	first, err := r.Run(context.Background(), []model.Fuel{model.FuelGasolina})
	require.NoError(t, err)
	second, err := r.Run(context.Background(), []model.Fuel{model.FuelGasolina})
	require.NoError(t, err)

	require.Len(t, first.Runs, 1)
	require.Len(t, second.Runs, 1)
	assert.NotEqual(t, first.Runs[0].RunID, second.Runs[0].RunID)

	// Both batches coexist under the same category partition.
	anpDir := filepath.Dir(filepath.Dir(first.Runs[0].DataFile)) // strip run_id=/dt=
	entries, err := os.ReadDir(anpDir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 1)
}

func TestCourtesyPauseBetweenCategories(t *testing.T) {
	up := &upstream{respond: func(anp, pagina string, w http.ResponseWriter) {
		fmt.Fprint(w, `{"resultado":[]}`)
	}}
	srv := httptest.NewServer(up.handler())
	defer srv.Close()

	opts := Options{MaxPages: 1, PauseMin: 120 * time.Millisecond, PauseMax: 150 * time.Millisecond}

	r := newTestRunner(t, srv.URL, t.TempDir(), opts)
	start := time.Now()
	_, err := r.Run(context.Background(), []model.Fuel{model.FuelGasolina, model.FuelEtanol})
	require.NoError(t, err)
	twoCategories := time.Since(start)
	assert.GreaterOrEqual(t, twoCategories, 120*time.Millisecond)

	r = newTestRunner(t, srv.URL, t.TempDir(), opts)
	start = time.Now()
	_, err = r.Run(context.Background(), []model.Fuel{model.FuelGasolina})
	require.NoError(t, err)
	oneCategory := time.Since(start)
	assert.Less(t, oneCategory, 120*time.Millisecond, "no pause after the last category")
}
