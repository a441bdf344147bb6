// Package collector drives the per-category collection loop against
// the price endpoint.
package collector

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/precodata/preco-cli/internal/fetcher"
	"github.com/precodata/preco-cli/internal/model"
	"github.com/precodata/preco-cli/internal/resilience"
	"github.com/precodata/preco-cli/internal/sink"
)

// TokenSource provides the session anti-forgery token for a run.
type TokenSource interface {
	Discover(ctx context.Context) (string, error)
}

// Options configures a collection run.
type Options struct {
	// PricesPath is the endpoint path receiving the form POST.
	// Default: "/precos/".
	PricesPath string

	// Source is the provenance tag stamped on every row.
	// Default: "precodahora".
	Source string

	// Query defaults sent with every request.
	Horas     int
	Latitude  float64
	Longitude float64
	Raio      int
	Ordenar   string

	// MaxPages bounds how many reported pages are fetched per
	// category. 1 fetches only the first page; 0 fetches all the
	// endpoint reports. Default: 1.
	MaxPages int

	// PauseMin and PauseMax bound the courtesy pause between work
	// items. Defaults: 1.2s and 2.4s.
	PauseMin time.Duration
	PauseMax time.Duration
}

func (o Options) withDefaults() Options {
	if o.PricesPath == "" {
		o.PricesPath = "/precos/"
	}
	if o.Source == "" {
		o.Source = "precodahora"
	}
	if o.Horas <= 0 {
		o.Horas = 72
	}
	if o.Ordenar == "" {
		o.Ordenar = "preco.asc"
	}
	if o.MaxPages < 0 {
		o.MaxPages = 1
	}
	if o.PauseMin <= 0 {
		o.PauseMin = 1200 * time.Millisecond
	}
	if o.PauseMax < o.PauseMin {
		o.PauseMax = 2 * o.PauseMin
	}
	return o
}

// Runner collects categories sequentially through one session,
// writing a provenance-stamped batch per category.
type Runner struct {
	client fetcher.Client
	tokens TokenSource
	out    *sink.Sink
	opts   Options
}

// NewRunner wires a Runner.
func NewRunner(client fetcher.Client, tokens TokenSource, out *sink.Sink, opts Options) *Runner {
	return &Runner{
		client: client,
		tokens: tokens,
		out:    out,
		opts:   opts.withDefaults(),
	}
}

// Run bootstraps the session once, then collects each category in
// order. A category failure is logged and isolated; the next category
// still runs after the courtesy pause. The overall manifest lists
// only the categories that succeeded.
func (r *Runner) Run(ctx context.Context, fuels []model.Fuel) (model.OverallManifest, error) {
	overall := model.OverallManifest{OutDir: r.out.BaseDir()}

	token, err := r.tokens.Discover(ctx)
	if err != nil {
		return overall, eris.Wrap(err, "collector: session bootstrap")
	}

	for i, fuel := range fuels {
		manifest, err := r.collectCategory(ctx, token, fuel)
		if err != nil {
			if ctx.Err() != nil {
				return overall, eris.Wrap(err, "collector: run cancelled")
			}
			zap.L().Error("collector: category failed",
				zap.String("anp", string(fuel)),
				zap.Error(err),
			)
		} else {
			overall.Runs = append(overall.Runs, manifest)
		}

		// Courtesy pause between categories, failed or not, but never
		// after the last one.
		if i < len(fuels)-1 {
			if err := r.pause(ctx); err != nil {
				return overall, eris.Wrap(err, "collector: run cancelled")
			}
		}
	}

	overall.FinishedAtUTC = time.Now().UTC()
	path, err := r.out.WriteOverall(overall)
	if err != nil {
		return overall, err
	}
	zap.L().Info("collector: run complete",
		zap.Int("categories_requested", len(fuels)),
		zap.Int("categories_ok", len(overall.Runs)),
		zap.String("overall_manifest", path),
	)
	return overall, nil
}

func (r *Runner) collectCategory(ctx context.Context, token string, fuel model.Fuel) (model.RunManifest, error) {
	runID := uuid.NewString()
	startedAt := time.Now().UTC()
	baseQuery := r.baseQuery(fuel)
	headers := r.headers(token)

	log := zap.L().With(
		zap.String("anp", string(fuel)),
		zap.String("run_id", runID),
	)
	log.Info("collector: category start")

	first, items, err := r.fetchPage(ctx, baseQuery, headers)
	if err != nil {
		return model.RunManifest{}, err
	}

	stats := model.ResponseStats{
		TotalPaginasReported:    first.Pages(),
		TotalRegistrosReported:  first.Registros(),
		RegistrosPaginaReported: first.PageSize(len(items)),
		PagesFetched:            1,
	}

	rows := r.stampRows(runID, fuel, baseQuery, items)

	lastPage := stats.TotalPaginasReported
	if r.opts.MaxPages > 0 && r.opts.MaxPages < lastPage {
		lastPage = r.opts.MaxPages
	}
	for page := 2; page <= lastPage; page++ {
		if err := r.pause(ctx); err != nil {
			return model.RunManifest{}, eris.Wrap(err, "collector: category cancelled")
		}

		query := baseQuery.WithPage(page)
		_, items, err := r.fetchPage(ctx, query, headers)
		if err != nil {
			return model.RunManifest{}, eris.Wrapf(err, "collector: page %d", page)
		}
		rows = append(rows, r.stampRows(runID, fuel, query, items)...)
		stats.PagesFetched++
	}

	batch := r.out.Paths(string(fuel), startedAt, runID)
	n, err := r.out.WriteRows(batch, rows)
	if err != nil {
		return model.RunManifest{}, err
	}
	stats.RowsWritten = n

	manifest := model.RunManifest{
		RunID:          runID,
		CollectedAtUTC: startedAt,
		ANP:            string(fuel),
		BaseURL:        r.client.BaseURL(),
		OutRoot:        r.out.BaseDir(),
		DataFile:       batch.DataFile,
		Query:          baseQuery,
		ResponseStats:  stats,
	}
	if err := r.out.WriteManifest(batch, manifest); err != nil {
		return model.RunManifest{}, err
	}

	log.Info("collector: category complete",
		zap.Int("rows", n),
		zap.Int("pages_fetched", stats.PagesFetched),
		zap.Int("pages_reported", stats.TotalPaginasReported),
	)
	return manifest, nil
}

// fetchPage posts the query and decodes the envelope. A body that is
// not valid JSON, or a resultado that is not an array, cannot be
// fixed by retrying.
func (r *Runner) fetchPage(ctx context.Context, query model.QueryParams, headers map[string]string) (*model.PriceResponse, []json.RawMessage, error) {
	resp, err := r.client.PostForm(ctx, r.opts.PricesPath, query.Form(), headers)
	if err != nil {
		return nil, nil, err
	}

	var presp model.PriceResponse
	if err := json.Unmarshal(resp.Body(), &presp); err != nil {
		return nil, nil, resilience.NewFatalError(eris.Wrap(err, "collector: decode response"))
	}
	items, err := presp.Items()
	if err != nil {
		return nil, nil, resilience.NewFatalError(err)
	}
	return &presp, items, nil
}

func (r *Runner) stampRows(runID string, fuel model.Fuel, query model.QueryParams, items []json.RawMessage) []model.CollectedRow {
	now := time.Now().UTC()
	rows := make([]model.CollectedRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, model.CollectedRow{
			CollectedAtUTC: now,
			RunID:          runID,
			Source:         r.opts.Source,
			ANP:            string(fuel),
			Query:          query,
			Raw:            item,
		})
	}
	return rows
}

func (r *Runner) baseQuery(fuel model.Fuel) model.QueryParams {
	return model.QueryParams{
		Horas:     strconv.Itoa(r.opts.Horas),
		ANP:       string(fuel),
		Latitude:  strconv.FormatFloat(r.opts.Latitude, 'f', -1, 64),
		Longitude: strconv.FormatFloat(r.opts.Longitude, 'f', -1, 64),
		Raio:      strconv.Itoa(r.opts.Raio),
		Pagina:    "1",
		Ordenar:   r.opts.Ordenar,
	}
}

func (r *Runner) headers(token string) map[string]string {
	base := r.client.BaseURL()
	return map[string]string{
		"Accept":           "*/*",
		"Content-Type":     "application/x-www-form-urlencoded; charset=UTF-8",
		"X-Requested-With": "XMLHttpRequest",
		"Origin":           base,
		"Referer":          base + "/",
		"X-CSRFToken":      token,
	}
}

func (r *Runner) pause(ctx context.Context) error {
	span := float64(r.opts.PauseMax - r.opts.PauseMin)
	d := r.opts.PauseMin + time.Duration(rand.Float64()*span)
	return resilience.Sleep(ctx, d)
}
