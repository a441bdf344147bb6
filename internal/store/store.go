// Package store persists collected price records in a local warehouse
// (sqlite or postgres) and serves the query surface the API exposes.
package store

import (
	"context"
	"time"

	"github.com/precodata/preco-cli/internal/model"
)

// Order directions accepted by the query surface.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// LatestOrderColumns is the allowlist for LatestFilter.OrderBy.
var LatestOrderColumns = map[string]bool{
	"price_unit":   true,
	"price_ts":     true,
	"city":         true,
	"uf":           true,
	"station_name": true,
}

// LatestFilter selects the most recent price per station and product.
type LatestFilter struct {
	FuelType string
	OrderBy  string // one of LatestOrderColumns; default price_unit
	OrderDir string // asc or desc; default asc
	Page     int    // 1-indexed
	PageSize int
}

// LatestResult is a paginated page of latest prices.
type LatestResult struct {
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Total    int64               `json:"total"`
	Items    []model.PriceRecord `json:"items"`
}

// BestFilter selects the cheapest current prices for one fuel.
type BestFilter struct {
	FuelType string
	UF       string
	City     string
	Limit    int
}

// NearbyFilter selects prices within a radius of a point.
type NearbyFilter struct {
	Lat      float64
	Lng      float64
	RadiusKM float64
	FuelType string
	Limit    int
}

// NearbyPrice is a price record with its computed distance.
type NearbyPrice struct {
	model.PriceRecord
	DistanceKM float64 `json:"distance_km"`
}

// CompareStats aggregates one fuel's prices over a region.
type CompareStats struct {
	FuelType    string     `json:"fuel_type"`
	UF          string     `json:"uf"`
	City        string     `json:"city"`
	AvgPrice    float64    `json:"avg_price_unit"`
	MinPrice    float64    `json:"min_price_unit"`
	MaxPrice    float64    `json:"max_price_unit"`
	Stations    int64      `json:"stations"`
	LastPriceTS *time.Time `json:"last_price_ts,omitempty"`
}

// StatsFilter bounds the summary statistics query.
type StatsFilter struct {
	From     *time.Time
	To       *time.Time
	UF       string
	City     string
	FuelType string
}

// Stats summarizes warehouse contents.
type Stats struct {
	Rows     int64      `json:"rows"`
	Stations int64      `json:"stations"`
	Cities   int64      `json:"cities"`
	UFs      int64      `json:"ufs"`
	MinTS    *time.Time `json:"min_price_ts,omitempty"`
	MaxTS    *time.Time `json:"max_price_ts,omitempty"`
	AvgPrice float64    `json:"avg_price_unit"`
}

// TimeseriesFilter selects daily price buckets for one fuel.
type TimeseriesFilter struct {
	FuelType string
	UF       string
	City     string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// TimeseriesPoint is one day's aggregate.
type TimeseriesPoint struct {
	Day      string  `json:"day"` // YYYY-MM-DD
	AvgPrice float64 `json:"avg_price_unit"`
	MinPrice float64 `json:"min_price_unit"`
	MaxPrice float64 `json:"max_price_unit"`
	Samples  int64   `json:"samples"`
}

// TimeseriesResult is a paginated page of daily buckets.
type TimeseriesResult struct {
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Total    int64             `json:"total"`
	Items    []TimeseriesPoint `json:"items"`
}

// CityEntry is one (uf, city) pair present in the warehouse.
type CityEntry struct {
	UF   string `json:"uf"`
	City string `json:"city"`
}

// LoadEntry is a row in the batch load log.
type LoadEntry struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	ANP         string     `json:"anp"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RowsLoaded  int64      `json:"rows_loaded"`
	Error       string     `json:"error,omitempty"`
}

// Load log statuses.
const (
	LoadRunning  = "running"
	LoadComplete = "complete"
	LoadFailed   = "failed"
)

// Store defines the persistence interface for the price warehouse.
type Store interface {
	// Ingest
	InsertPrices(ctx context.Context, recs []model.PriceRecord) (int64, error)

	// Load log. A run_id is loaded at most once; re-running the
	// loader skips completed entries.
	StartLoad(ctx context.Context, runID, anp string) (int64, error)
	CompleteLoad(ctx context.Context, loadID int64, rows int64) error
	FailLoad(ctx context.Context, loadID int64, errMsg string) error
	IsLoaded(ctx context.Context, runID string) (bool, error)
	ListLoads(ctx context.Context, limit int) ([]LoadEntry, error)

	// Queries
	LatestPrices(ctx context.Context, f LatestFilter) (*LatestResult, error)
	BestPrices(ctx context.Context, f BestFilter) ([]model.PriceRecord, error)
	NearbyPrices(ctx context.Context, f NearbyFilter) ([]NearbyPrice, error)
	ComparePrices(ctx context.Context, fuelType, uf, city string) (*CompareStats, error)
	StatsSummary(ctx context.Context, f StatsFilter) (*Stats, error)
	Timeseries(ctx context.Context, f TimeseriesFilter) (*TimeseriesResult, error)
	FuelTypes(ctx context.Context) ([]string, error)
	Cities(ctx context.Context, uf string, limit int) ([]CityEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

func (f LatestFilter) normalized() LatestFilter {
	if !LatestOrderColumns[f.OrderBy] {
		f.OrderBy = "price_unit"
	}
	if f.OrderDir != OrderDesc {
		f.OrderDir = OrderAsc
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 500 {
		f.PageSize = 50
	}
	return f
}

func (f TimeseriesFilter) normalized() TimeseriesFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 500 {
		f.PageSize = 100
	}
	return f
}

func (f BestFilter) normalized() BestFilter {
	if f.Limit < 1 || f.Limit > 500 {
		f.Limit = 20
	}
	return f
}

func (f NearbyFilter) normalized() NearbyFilter {
	if f.Limit < 1 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.RadiusKM <= 0 {
		f.RadiusKM = 10
	}
	return f
}
