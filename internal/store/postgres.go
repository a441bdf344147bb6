package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/precodata/preco-cli/internal/db"
	"github.com/precodata/preco-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS prices (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	source       TEXT NOT NULL,
	fuel_type    TEXT NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL,
	station_name TEXT,
	cnpj         TEXT,
	street       TEXT,
	number       TEXT,
	district     TEXT,
	zip_code     TEXT,
	city         TEXT,
	uf           TEXT,
	lat          DOUBLE PRECISION,
	lng          DOUBLE PRECISION,
	product_desc TEXT,
	unit         TEXT,
	price_unit   DOUBLE PRECISION,
	price_ts     TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prices_dedup
	ON prices(run_id, cnpj, product_desc, price_ts);
CREATE INDEX IF NOT EXISTS idx_prices_fuel ON prices(fuel_type);
CREATE INDEX IF NOT EXISTS idx_prices_city ON prices(uf, city);
CREATE INDEX IF NOT EXISTS idx_prices_station ON prices(cnpj, product_desc);

CREATE TABLE IF NOT EXISTS load_log (
	id           BIGSERIAL PRIMARY KEY,
	run_id       TEXT NOT NULL,
	anp          TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	rows_loaded  BIGINT NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_load_log_run ON load_log(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// InsertPrices bulk-upserts records via COPY into a temp table. The
// dedup key mirrors the sqlite driver; collisions keep the new row.
func (s *PostgresStore) InsertPrices(ctx context.Context, recs []model.PriceRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, priceArgs(rec))
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "prices",
		Columns:      priceColumns,
		ConflictKeys: []string{"run_id", "cnpj", "product_desc", "price_ts"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert prices")
	}
	return n, nil
}

// Load log

func (s *PostgresStore) StartLoad(ctx context.Context, runID, anp string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO load_log (run_id, anp, status) VALUES ($1, $2, 'running') RETURNING id`,
		runID, anp,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: start load for %s", runID)
	}
	return id, nil
}

func (s *PostgresStore) CompleteLoad(ctx context.Context, loadID int64, rows int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE load_log SET status = 'complete', completed_at = now(), rows_loaded = $1 WHERE id = $2`,
		rows, loadID,
	)
	return eris.Wrapf(err, "postgres: complete load %d", loadID)
}

func (s *PostgresStore) FailLoad(ctx context.Context, loadID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE load_log SET status = 'failed', completed_at = now(), error = $1 WHERE id = $2`,
		errMsg, loadID,
	)
	return eris.Wrapf(err, "postgres: fail load %d", loadID)
}

func (s *PostgresStore) IsLoaded(ctx context.Context, runID string) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM load_log WHERE run_id = $1 AND status = 'complete'`,
		runID,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: check load for %s", runID)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListLoads(ctx context.Context, limit int) ([]LoadEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, anp, status, started_at, completed_at, rows_loaded, COALESCE(error, '')
		 FROM load_log ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list loads")
	}
	defer rows.Close()

	var entries []LoadEntry
	for rows.Next() {
		var e LoadEntry
		var completed *time.Time
		if err := rows.Scan(&e.ID, &e.RunID, &e.ANP, &e.Status, &e.StartedAt, &completed, &e.RowsLoaded, &e.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan load entry")
		}
		e.CompletedAt = completed
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list loads iterate")
}

// Queries

const pgLatestJoin = `
	FROM prices p
	JOIN (
		SELECT cnpj, product_desc, MAX(price_ts) AS max_ts
		FROM prices GROUP BY cnpj, product_desc
	) m ON p.cnpj = m.cnpj AND p.product_desc = m.product_desc AND p.price_ts = m.max_ts`

const pgPriceSelect = `
	SELECT p.id, p.run_id, p.source, p.fuel_type, p.collected_at,
	       p.station_name, p.cnpj, p.street, p.number, p.district, p.zip_code,
	       p.city, p.uf, p.lat, p.lng, p.product_desc, p.unit, p.price_unit, p.price_ts`

func scanPgPrice(rows pgx.Rows) (model.PriceRecord, error) {
	var rec model.PriceRecord
	var priceTS *time.Time
	err := rows.Scan(
		&rec.ID, &rec.RunID, &rec.Source, &rec.FuelType, &rec.CollectedAt,
		&rec.StationName, &rec.CNPJ, &rec.Street, &rec.Number, &rec.District, &rec.ZipCode,
		&rec.City, &rec.UF, &rec.Lat, &rec.Lng, &rec.ProductDesc, &rec.Unit, &rec.PriceUnit, &priceTS,
	)
	if err != nil {
		return rec, eris.Wrap(err, "postgres: scan price")
	}
	if priceTS != nil {
		rec.PriceTS = *priceTS
	}
	return rec, nil
}

func (s *PostgresStore) LatestPrices(ctx context.Context, f LatestFilter) (*LatestResult, error) {
	f = f.normalized()

	where := ""
	var args []any
	if f.FuelType != "" {
		where = " WHERE p.fuel_type = $1"
		args = append(args, f.FuelType)
	}

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)`+pgLatestJoin+where, args...,
	).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "postgres: latest count")
	}

	query := fmt.Sprintf("%s%s%s ORDER BY p.%s %s LIMIT $%d OFFSET $%d",
		pgPriceSelect, pgLatestJoin, where, f.OrderBy, f.OrderDir, len(args)+1, len(args)+2)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest prices")
	}
	defer rows.Close()

	result := &LatestResult{Page: f.Page, PageSize: f.PageSize, Total: total}
	for rows.Next() {
		rec, err := scanPgPrice(rows)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, rec)
	}
	return result, eris.Wrap(rows.Err(), "postgres: latest prices iterate")
}

func (s *PostgresStore) BestPrices(ctx context.Context, f BestFilter) ([]model.PriceRecord, error) {
	f = f.normalized()

	where := ` WHERE p.fuel_type = $1`
	args := []any{f.FuelType}
	if f.UF != "" {
		where += fmt.Sprintf(` AND p.uf = $%d`, len(args)+1)
		args = append(args, f.UF)
	}
	if f.City != "" {
		where += fmt.Sprintf(` AND p.city = $%d`, len(args)+1)
		args = append(args, f.City)
	}

	query := fmt.Sprintf("%s%s%s ORDER BY p.price_unit ASC, p.price_ts DESC LIMIT $%d",
		pgPriceSelect, pgLatestJoin, where, len(args)+1)
	args = append(args, f.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: best prices")
	}
	defer rows.Close()

	var recs []model.PriceRecord
	for rows.Next() {
		rec, err := scanPgPrice(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: best prices iterate")
}

func (s *PostgresStore) NearbyPrices(ctx context.Context, f NearbyFilter) ([]NearbyPrice, error) {
	f = f.normalized()

	// Haversine in km.
	distance := `(6371 * 2 * ASIN(SQRT(
		POWER(SIN(RADIANS(p.lat - $1) / 2), 2) +
		COS(RADIANS($1)) * COS(RADIANS(p.lat)) *
		POWER(SIN(RADIANS(p.lng - $2) / 2), 2)
	)))`

	where := ` WHERE p.lat <> 0 AND p.lng <> 0`
	args := []any{f.Lat, f.Lng}
	if f.FuelType != "" {
		where += fmt.Sprintf(` AND p.fuel_type = $%d`, len(args)+1)
		args = append(args, f.FuelType)
	}

	query := fmt.Sprintf(`SELECT * FROM (%s, %s AS distance_km%s%s) q
		WHERE q.distance_km <= $%d
		ORDER BY q.distance_km ASC LIMIT $%d`,
		pgPriceSelect, distance, pgLatestJoin, where, len(args)+1, len(args)+2)
	args = append(args, f.RadiusKM, f.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: nearby prices")
	}
	defer rows.Close()

	var out []NearbyPrice
	for rows.Next() {
		var np NearbyPrice
		var priceTS *time.Time
		err := rows.Scan(
			&np.ID, &np.RunID, &np.Source, &np.FuelType, &np.CollectedAt,
			&np.StationName, &np.CNPJ, &np.Street, &np.Number, &np.District, &np.ZipCode,
			&np.City, &np.UF, &np.Lat, &np.Lng, &np.ProductDesc, &np.Unit, &np.PriceUnit, &priceTS, &np.DistanceKM,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan nearby price")
		}
		if priceTS != nil {
			np.PriceTS = *priceTS
		}
		out = append(out, np)
	}
	return out, eris.Wrap(rows.Err(), "postgres: nearby prices iterate")
}

func (s *PostgresStore) ComparePrices(ctx context.Context, fuelType, uf, city string) (*CompareStats, error) {
	where := ` WHERE p.fuel_type = $1`
	args := []any{fuelType}
	if uf != "" {
		where += fmt.Sprintf(` AND p.uf = $%d`, len(args)+1)
		args = append(args, uf)
	}
	if city != "" {
		where += fmt.Sprintf(` AND p.city = $%d`, len(args)+1)
		args = append(args, city)
	}

	var cs CompareStats
	var avg, min, max sql.NullFloat64
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT AVG(p.price_unit), MIN(p.price_unit), MAX(p.price_unit),
		        COUNT(DISTINCT p.cnpj), MAX(p.price_ts)`+
			pgLatestJoin+where,
		args...,
	).Scan(&avg, &min, &max, &cs.Stations, &last)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: compare prices")
	}

	cs.FuelType = fuelType
	cs.UF = uf
	cs.City = city
	cs.AvgPrice = avg.Float64
	cs.MinPrice = min.Float64
	cs.MaxPrice = max.Float64
	cs.LastPriceTS = last
	return &cs, nil
}

func (s *PostgresStore) StatsSummary(ctx context.Context, f StatsFilter) (*Stats, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, fmt.Sprintf(cond, len(args)+1))
		args = append(args, v)
	}
	if f.From != nil {
		add("price_ts >= $%d", *f.From)
	}
	if f.To != nil {
		add("price_ts <= $%d", *f.To)
	}
	if f.UF != "" {
		add("uf = $%d", f.UF)
	}
	if f.City != "" {
		add("city = $%d", f.City)
	}
	if f.FuelType != "" {
		add("fuel_type = $%d", f.FuelType)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var st Stats
	var avg sql.NullFloat64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT cnpj), COUNT(DISTINCT city), COUNT(DISTINCT uf),
		        MIN(price_ts), MAX(price_ts), AVG(price_unit)
		 FROM prices`+where,
		args...,
	).Scan(&st.Rows, &st.Stations, &st.Cities, &st.UFs, &st.MinTS, &st.MaxTS, &avg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats summary")
	}
	st.AvgPrice = avg.Float64
	return &st, nil
}

func (s *PostgresStore) Timeseries(ctx context.Context, f TimeseriesFilter) (*TimeseriesResult, error) {
	f = f.normalized()

	conds := []string{"fuel_type = $1"}
	args := []any{f.FuelType}
	add := func(cond string, v any) {
		conds = append(conds, fmt.Sprintf(cond, len(args)+1))
		args = append(args, v)
	}
	if f.UF != "" {
		add("uf = $%d", f.UF)
	}
	if f.City != "" {
		add("city = $%d", f.City)
	}
	if f.From != nil {
		add("price_ts >= $%d", *f.From)
	}
	if f.To != nil {
		add("price_ts <= $%d", *f.To)
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM (
			SELECT date_trunc('day', price_ts) FROM prices`+where+`
			GROUP BY date_trunc('day', price_ts)
		) t`,
		args...,
	).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "postgres: timeseries count")
	}

	query := fmt.Sprintf(`SELECT to_char(date_trunc('day', price_ts), 'YYYY-MM-DD') AS day,
		AVG(price_unit), MIN(price_unit), MAX(price_unit), COUNT(*)
		FROM prices%s
		GROUP BY day ORDER BY day ASC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: timeseries")
	}
	defer rows.Close()

	result := &TimeseriesResult{Page: f.Page, PageSize: f.PageSize, Total: total}
	for rows.Next() {
		var p TimeseriesPoint
		if err := rows.Scan(&p.Day, &p.AvgPrice, &p.MinPrice, &p.MaxPrice, &p.Samples); err != nil {
			return nil, eris.Wrap(err, "postgres: scan timeseries point")
		}
		result.Items = append(result.Items, p)
	}
	return result, eris.Wrap(rows.Err(), "postgres: timeseries iterate")
}

func (s *PostgresStore) FuelTypes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT fuel_type FROM prices WHERE fuel_type <> '' ORDER BY fuel_type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fuel types")
	}
	defer rows.Close()

	var fuels []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fuel type")
		}
		fuels = append(fuels, f)
	}
	return fuels, eris.Wrap(rows.Err(), "postgres: fuel types iterate")
}

func (s *PostgresStore) Cities(ctx context.Context, uf string, limit int) ([]CityEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT DISTINCT uf, city FROM prices WHERE city <> ''`
	var args []any
	if uf != "" {
		query += ` AND uf = $1`
		args = append(args, uf)
	}
	query += fmt.Sprintf(` ORDER BY uf, city LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cities")
	}
	defer rows.Close()

	var cities []CityEntry
	for rows.Next() {
		var c CityEntry
		if err := rows.Scan(&c.UF, &c.City); err != nil {
			return nil, eris.Wrap(err, "postgres: scan city")
		}
		cities = append(cities, c)
	}
	return cities, eris.Wrap(rows.Err(), "postgres: cities iterate")
}
