package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/precodata/preco-cli/internal/store"
)

type api struct {
	st store.Store
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatQuery(r *http.Request, name string) (float64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// timeQuery accepts a date or an RFC 3339 timestamp.
func timeQuery(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, errBadTime
}

var errBadTime = &badParamError{"use YYYY-MM-DD or RFC 3339"}

type badParamError struct{ msg string }

func (e *badParamError) Error() string { return e.msg }

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) healthDB(w http.ResponseWriter, r *http.Request) {
	if err := a.st.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) fuelTypes(w http.ResponseWriter, r *http.Request) {
	fuels, err := a.st.FuelTypes(r.Context())
	if err != nil {
		a.serverError(w, "fuel types", err)
		return
	}
	if fuels == nil {
		fuels = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": fuels})
}

func (a *api) cities(w http.ResponseWriter, r *http.Request) {
	cities, err := a.st.Cities(r.Context(), r.URL.Query().Get("uf"), intQuery(r, "limit", 500))
	if err != nil {
		a.serverError(w, "cities", err)
		return
	}
	if cities == nil {
		cities = []store.CityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cities})
}

func (a *api) latest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	orderBy := q.Get("order_by")
	if orderBy != "" && !store.LatestOrderColumns[orderBy] {
		writeError(w, http.StatusBadRequest, "invalid order_by")
		return
	}
	orderDir := q.Get("order_dir")
	if orderDir != "" && orderDir != store.OrderAsc && orderDir != store.OrderDesc {
		writeError(w, http.StatusBadRequest, "invalid order_dir: use asc or desc")
		return
	}

	res, err := a.st.LatestPrices(r.Context(), store.LatestFilter{
		FuelType: q.Get("fuel_type"),
		OrderBy:  orderBy,
		OrderDir: orderDir,
		Page:     intQuery(r, "page", 1),
		PageSize: intQuery(r, "page_size", 50),
	})
	if err != nil {
		a.serverError(w, "latest prices", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) best(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fuel := q.Get("fuel_type")
	if fuel == "" {
		writeError(w, http.StatusBadRequest, "fuel_type is required")
		return
	}

	recs, err := a.st.BestPrices(r.Context(), store.BestFilter{
		FuelType: fuel,
		UF:       q.Get("uf"),
		City:     q.Get("city"),
		Limit:    intQuery(r, "limit", 20),
	})
	if err != nil {
		a.serverError(w, "best prices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (a *api) nearby(w http.ResponseWriter, r *http.Request) {
	lat, okLat := floatQuery(r, "lat")
	lng, okLng := floatQuery(r, "lng")
	if !okLat || !okLng {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	radius, _ := floatQuery(r, "radius_km")

	out, err := a.st.NearbyPrices(r.Context(), store.NearbyFilter{
		Lat:      lat,
		Lng:      lng,
		RadiusKM: radius,
		FuelType: r.URL.Query().Get("fuel_type"),
		Limit:    intQuery(r, "limit", 50),
	})
	if err != nil {
		a.serverError(w, "nearby prices", err)
		return
	}
	if out == nil {
		out = []store.NearbyPrice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *api) compare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fuel := q.Get("fuel_type")
	if fuel == "" {
		writeError(w, http.StatusBadRequest, "fuel_type is required")
		return
	}

	cs, err := a.st.ComparePrices(r.Context(), fuel, q.Get("uf"), q.Get("city"))
	if err != nil {
		a.serverError(w, "compare prices", err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := timeQuery(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := timeQuery(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	st, err := a.st.StatsSummary(r.Context(), store.StatsFilter{
		From:     from,
		To:       to,
		UF:       q.Get("uf"),
		City:     q.Get("city"),
		FuelType: q.Get("fuel_type"),
	})
	if err != nil {
		a.serverError(w, "stats summary", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) timeseries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fuel := q.Get("fuel_type")
	if fuel == "" {
		writeError(w, http.StatusBadRequest, "fuel_type is required")
		return
	}
	from, err := timeQuery(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := timeQuery(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	res, err := a.st.Timeseries(r.Context(), store.TimeseriesFilter{
		FuelType: fuel,
		UF:       q.Get("uf"),
		City:     q.Get("city"),
		From:     from,
		To:       to,
		Page:     intQuery(r, "page", 1),
		PageSize: intQuery(r, "page_size", 100),
	})
	if err != nil {
		a.serverError(w, "timeseries", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) serverError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
