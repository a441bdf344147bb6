package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Fuel is a collectable fuel category, matching the "anp" value the
// upstream endpoint filters on.
type Fuel string

// Fuels collected by default.
const (
	FuelGasolina Fuel = "GASOLINA"
	FuelEtanol   Fuel = "ETANOL"
	FuelGNV      Fuel = "GNV"
	FuelDiesel   Fuel = "DIESEL"
)

// DefaultFuels returns the default collection order.
func DefaultFuels() []Fuel {
	return []Fuel{FuelGasolina, FuelEtanol, FuelGNV, FuelDiesel}
}

// ParseFuel normalizes a fuel name. The set is open: the endpoint
// accepts categories beyond the defaults, so only shape is checked.
func ParseFuel(s string) (Fuel, error) {
	f := Fuel(strings.ToUpper(strings.TrimSpace(s)))
	if f == "" {
		return "", eris.New("model: empty fuel name")
	}
	return f, nil
}

// QueryParams is the form payload sent with a price request. Values
// stay strings because the endpoint takes an urlencoded form.
type QueryParams struct {
	Horas     string `json:"horas"`
	ANP       string `json:"anp"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Raio      string `json:"raio"`
	Pagina    string `json:"pagina"`
	Ordenar   string `json:"ordenar"`
}

// Form returns the payload as a flat form map.
func (q QueryParams) Form() map[string]string {
	return map[string]string{
		"horas":     q.Horas,
		"anp":       q.ANP,
		"latitude":  q.Latitude,
		"longitude": q.Longitude,
		"raio":      q.Raio,
		"pagina":    q.Pagina,
		"ordenar":   q.Ordenar,
	}
}

// WithPage returns a copy of the params pointing at the given page.
func (q QueryParams) WithPage(page int) QueryParams {
	q.Pagina = strconv.Itoa(page)
	return q
}

// CollectedRow is one provenance-stamped line in a batch's data.jsonl.
// Raw carries the upstream item verbatim.
type CollectedRow struct {
	CollectedAtUTC time.Time       `json:"collected_at_utc"`
	RunID          string          `json:"run_id"`
	Source         string          `json:"source"`
	ANP            string          `json:"anp"`
	Query          QueryParams     `json:"query"`
	Raw            json.RawMessage `json:"raw"`
}

// PriceResponse is the upstream response envelope. Counter fields are
// pointers so absent keys can fall back to defaults.
type PriceResponse struct {
	Resultado       json.RawMessage `json:"resultado"`
	TotalPaginas    *int            `json:"totalPaginas"`
	TotalRegistros  *int            `json:"totalRegistros"`
	RegistrosPagina *int            `json:"registrosdaPagina"`
}

// Items returns the result array. A missing or null resultado is an
// empty page; any other non-array shape is an error.
func (r *PriceResponse) Items() ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(r.Resultado)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return nil, eris.New("model: resultado is not an array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, eris.Wrap(err, "model: decode resultado")
	}
	return items, nil
}

// Pages returns the reported page count, defaulting to 1.
func (r *PriceResponse) Pages() int {
	if r.TotalPaginas == nil || *r.TotalPaginas < 1 {
		return 1
	}
	return *r.TotalPaginas
}

// Registros returns the reported total record count, defaulting to 0.
func (r *PriceResponse) Registros() int {
	if r.TotalRegistros == nil {
		return 0
	}
	return *r.TotalRegistros
}

// PageSize returns the reported per-page count, falling back to the
// actual item count when absent.
func (r *PriceResponse) PageSize(actual int) int {
	if r.RegistrosPagina == nil {
		return actual
	}
	return *r.RegistrosPagina
}
