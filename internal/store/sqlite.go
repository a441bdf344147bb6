package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/precodata/preco-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS prices (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	source       TEXT NOT NULL,
	fuel_type    TEXT NOT NULL,
	collected_at DATETIME NOT NULL,
	station_name TEXT,
	cnpj         TEXT,
	street       TEXT,
	number       TEXT,
	district     TEXT,
	zip_code     TEXT,
	city         TEXT,
	uf           TEXT,
	lat          REAL,
	lng          REAL,
	product_desc TEXT,
	unit         TEXT,
	price_unit   REAL,
	price_ts     DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prices_dedup
	ON prices(run_id, cnpj, product_desc, price_ts);
CREATE INDEX IF NOT EXISTS idx_prices_fuel ON prices(fuel_type);
CREATE INDEX IF NOT EXISTS idx_prices_city ON prices(uf, city);
CREATE INDEX IF NOT EXISTS idx_prices_station ON prices(cnpj, product_desc);

CREATE TABLE IF NOT EXISTS load_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	anp          TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME,
	rows_loaded  INTEGER NOT NULL DEFAULT 0,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_load_log_run ON load_log(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// priceColumns is the insert column order shared by both drivers.
var priceColumns = []string{
	"id", "run_id", "source", "fuel_type", "collected_at",
	"station_name", "cnpj", "street", "number", "district", "zip_code",
	"city", "uf", "lat", "lng", "product_desc", "unit", "price_unit", "price_ts",
}

func priceArgs(rec model.PriceRecord) []any {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return []any{
		rec.ID, rec.RunID, rec.Source, rec.FuelType, rec.CollectedAt,
		rec.StationName, rec.CNPJ, rec.Street, rec.Number, rec.District, rec.ZipCode,
		rec.City, rec.UF, rec.Lat, rec.Lng, rec.ProductDesc, rec.Unit, rec.PriceUnit, rec.PriceTS,
	}
}

// InsertPrices inserts records inside one transaction. Rows that
// collide on (run_id, cnpj, product_desc, price_ts) are skipped, so
// re-inserting a batch is safe. Returns the number actually inserted.
func (s *SQLiteStore) InsertPrices(ctx context.Context, recs []model.PriceRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert tx")
	}
	defer tx.Rollback() //nolint:errcheck

	query := `INSERT INTO prices (` + strings.Join(priceColumns, ", ") + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, cnpj, product_desc, price_ts) DO NOTHING`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	var inserted int64
	for _, rec := range recs {
		res, err := stmt.ExecContext(ctx, priceArgs(rec)...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert price for run %s", rec.RunID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert tx")
	}
	return inserted, nil
}

// Load log

func (s *SQLiteStore) StartLoad(ctx context.Context, runID, anp string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO load_log (run_id, anp, status) VALUES (?, ?, 'running')`,
		runID, anp,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: start load for %s", runID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: load id")
	}
	return id, nil
}

func (s *SQLiteStore) CompleteLoad(ctx context.Context, loadID int64, rows int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE load_log SET status = 'complete', completed_at = datetime('now'), rows_loaded = ? WHERE id = ?`,
		rows, loadID,
	)
	return eris.Wrapf(err, "sqlite: complete load %d", loadID)
}

func (s *SQLiteStore) FailLoad(ctx context.Context, loadID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE load_log SET status = 'failed', completed_at = datetime('now'), error = ? WHERE id = ?`,
		errMsg, loadID,
	)
	return eris.Wrapf(err, "sqlite: fail load %d", loadID)
}

func (s *SQLiteStore) IsLoaded(ctx context.Context, runID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM load_log WHERE run_id = ? AND status = 'complete'`,
		runID,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check load for %s", runID)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListLoads(ctx context.Context, limit int) ([]LoadEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, anp, status, started_at, completed_at, rows_loaded, COALESCE(error, '')
		 FROM load_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list loads")
	}
	defer rows.Close() //nolint:errcheck

	var entries []LoadEntry
	for rows.Next() {
		var e LoadEntry
		var completed sql.NullTime
		if err := rows.Scan(&e.ID, &e.RunID, &e.ANP, &e.Status, &e.StartedAt, &completed, &e.RowsLoaded, &e.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan load entry")
		}
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list loads iterate")
}

// Queries

// latestJoin restricts prices to the most recent observation per
// station and product.
const sqliteLatestJoin = `
	FROM prices p
	JOIN (
		SELECT cnpj, product_desc, MAX(price_ts) AS max_ts
		FROM prices GROUP BY cnpj, product_desc
	) m ON p.cnpj = m.cnpj AND p.product_desc = m.product_desc AND p.price_ts = m.max_ts`

const sqlitePriceSelect = `
	SELECT p.id, p.run_id, p.source, p.fuel_type, p.collected_at,
	       p.station_name, p.cnpj, p.street, p.number, p.district, p.zip_code,
	       p.city, p.uf, p.lat, p.lng, p.product_desc, p.unit, p.price_unit, p.price_ts`

func scanSQLitePrice(rows *sql.Rows) (model.PriceRecord, error) {
	var rec model.PriceRecord
	var priceTS sql.NullTime
	err := rows.Scan(
		&rec.ID, &rec.RunID, &rec.Source, &rec.FuelType, &rec.CollectedAt,
		&rec.StationName, &rec.CNPJ, &rec.Street, &rec.Number, &rec.District, &rec.ZipCode,
		&rec.City, &rec.UF, &rec.Lat, &rec.Lng, &rec.ProductDesc, &rec.Unit, &rec.PriceUnit, &priceTS,
	)
	if err != nil {
		return rec, eris.Wrap(err, "sqlite: scan price")
	}
	if priceTS.Valid {
		rec.PriceTS = priceTS.Time
	}
	return rec, nil
}

func (s *SQLiteStore) LatestPrices(ctx context.Context, f LatestFilter) (*LatestResult, error) {
	f = f.normalized()

	where := ""
	var args []any
	if f.FuelType != "" {
		where = " WHERE p.fuel_type = ?"
		args = append(args, f.FuelType)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*)`+sqliteLatestJoin+where, args...,
	).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "sqlite: latest count")
	}

	query := sqlitePriceSelect + sqliteLatestJoin + where +
		` ORDER BY p.` + f.OrderBy + ` ` + f.OrderDir + ` LIMIT ? OFFSET ?`
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest prices")
	}
	defer rows.Close() //nolint:errcheck

	result := &LatestResult{Page: f.Page, PageSize: f.PageSize, Total: total}
	for rows.Next() {
		rec, err := scanSQLitePrice(rows)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, rec)
	}
	return result, eris.Wrap(rows.Err(), "sqlite: latest prices iterate")
}

func (s *SQLiteStore) BestPrices(ctx context.Context, f BestFilter) ([]model.PriceRecord, error) {
	f = f.normalized()

	where := ` WHERE p.fuel_type = ?`
	args := []any{f.FuelType}
	if f.UF != "" {
		where += ` AND p.uf = ?`
		args = append(args, f.UF)
	}
	if f.City != "" {
		where += ` AND p.city = ?`
		args = append(args, f.City)
	}

	query := sqlitePriceSelect + sqliteLatestJoin + where +
		` ORDER BY p.price_unit ASC, p.price_ts DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: best prices")
	}
	defer rows.Close() //nolint:errcheck

	var recs []model.PriceRecord
	for rows.Next() {
		rec, err := scanSQLitePrice(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: best prices iterate")
}

// NearbyPrices filters by distance in Go: sqlite has no trig builtins
// worth relying on, and candidate sets here are small.
func (s *SQLiteStore) NearbyPrices(ctx context.Context, f NearbyFilter) ([]NearbyPrice, error) {
	f = f.normalized()

	where := ` WHERE p.lat != 0 AND p.lng != 0`
	var args []any
	if f.FuelType != "" {
		where += ` AND p.fuel_type = ?`
		args = append(args, f.FuelType)
	}

	rows, err := s.db.QueryContext(ctx, sqlitePriceSelect+sqliteLatestJoin+where, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: nearby prices")
	}
	defer rows.Close() //nolint:errcheck

	var out []NearbyPrice
	for rows.Next() {
		rec, err := scanSQLitePrice(rows)
		if err != nil {
			return nil, err
		}
		d := haversineKM(f.Lat, f.Lng, rec.Lat, rec.Lng)
		if d <= f.RadiusKM {
			out = append(out, NearbyPrice{PriceRecord: rec, DistanceKM: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: nearby prices iterate")
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKM < out[j].DistanceKM })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *SQLiteStore) ComparePrices(ctx context.Context, fuelType, uf, city string) (*CompareStats, error) {
	where := ` WHERE p.fuel_type = ?`
	args := []any{fuelType}
	if uf != "" {
		where += ` AND p.uf = ?`
		args = append(args, uf)
	}
	if city != "" {
		where += ` AND p.city = ?`
		args = append(args, city)
	}

	var cs CompareStats
	var avg, min, max sql.NullFloat64
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(p.price_unit), MIN(p.price_unit), MAX(p.price_unit),
		        COUNT(DISTINCT p.cnpj), MAX(p.price_ts)`+
			sqliteLatestJoin+where,
		args...,
	).Scan(&avg, &min, &max, &cs.Stations, &last)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: compare prices")
	}

	cs.FuelType = fuelType
	cs.UF = uf
	cs.City = city
	cs.AvgPrice = avg.Float64
	cs.MinPrice = min.Float64
	cs.MaxPrice = max.Float64
	if last.Valid {
		t := last.Time
		cs.LastPriceTS = &t
	}
	return &cs, nil
}

func (s *SQLiteStore) StatsSummary(ctx context.Context, f StatsFilter) (*Stats, error) {
	var conds []string
	var args []any
	if f.From != nil {
		conds = append(conds, "price_ts >= ?")
		args = append(args, *f.From)
	}
	if f.To != nil {
		conds = append(conds, "price_ts <= ?")
		args = append(args, *f.To)
	}
	if f.UF != "" {
		conds = append(conds, "uf = ?")
		args = append(args, f.UF)
	}
	if f.City != "" {
		conds = append(conds, "city = ?")
		args = append(args, f.City)
	}
	if f.FuelType != "" {
		conds = append(conds, "fuel_type = ?")
		args = append(args, f.FuelType)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var st Stats
	var minTS, maxTS sql.NullTime
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT cnpj), COUNT(DISTINCT city), COUNT(DISTINCT uf),
		        MIN(price_ts), MAX(price_ts), AVG(price_unit)
		 FROM prices`+where,
		args...,
	).Scan(&st.Rows, &st.Stations, &st.Cities, &st.UFs, &minTS, &maxTS, &avg)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats summary")
	}
	if minTS.Valid {
		t := minTS.Time
		st.MinTS = &t
	}
	if maxTS.Valid {
		t := maxTS.Time
		st.MaxTS = &t
	}
	st.AvgPrice = avg.Float64
	return &st, nil
}

func (s *SQLiteStore) Timeseries(ctx context.Context, f TimeseriesFilter) (*TimeseriesResult, error) {
	f = f.normalized()

	conds := []string{"fuel_type = ?"}
	args := []any{f.FuelType}
	if f.UF != "" {
		conds = append(conds, "uf = ?")
		args = append(args, f.UF)
	}
	if f.City != "" {
		conds = append(conds, "city = ?")
		args = append(args, f.City)
	}
	if f.From != nil {
		conds = append(conds, "price_ts >= ?")
		args = append(args, *f.From)
	}
	if f.To != nil {
		conds = append(conds, "price_ts <= ?")
		args = append(args, *f.To)
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
			SELECT strftime('%Y-%m-%d', price_ts) AS day FROM prices`+where+`
			GROUP BY strftime('%Y-%m-%d', price_ts)
		)`,
		args...,
	).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "sqlite: timeseries count")
	}

	query := `SELECT strftime('%Y-%m-%d', price_ts) AS day,
		AVG(price_unit), MIN(price_unit), MAX(price_unit), COUNT(*)
		FROM prices` + where + `
		GROUP BY day ORDER BY day ASC LIMIT ? OFFSET ?`
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: timeseries")
	}
	defer rows.Close() //nolint:errcheck

	result := &TimeseriesResult{Page: f.Page, PageSize: f.PageSize, Total: total}
	for rows.Next() {
		var p TimeseriesPoint
		if err := rows.Scan(&p.Day, &p.AvgPrice, &p.MinPrice, &p.MaxPrice, &p.Samples); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan timeseries point")
		}
		result.Items = append(result.Items, p)
	}
	return result, eris.Wrap(rows.Err(), "sqlite: timeseries iterate")
}

func (s *SQLiteStore) FuelTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT fuel_type FROM prices WHERE fuel_type != '' ORDER BY fuel_type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: fuel types")
	}
	defer rows.Close() //nolint:errcheck

	var fuels []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fuel type")
		}
		fuels = append(fuels, f)
	}
	return fuels, eris.Wrap(rows.Err(), "sqlite: fuel types iterate")
}

func (s *SQLiteStore) Cities(ctx context.Context, uf string, limit int) ([]CityEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT DISTINCT uf, city FROM prices WHERE city != ''`
	var args []any
	if uf != "" {
		query += ` AND uf = ?`
		args = append(args, uf)
	}
	query += ` ORDER BY uf, city LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cities")
	}
	defer rows.Close() //nolint:errcheck

	var cities []CityEntry
	for rows.Next() {
		var c CityEntry
		if err := rows.Scan(&c.UF, &c.City); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan city")
		}
		cities = append(cities, c)
	}
	return cities, eris.Wrap(rows.Err(), "sqlite: cities iterate")
}
