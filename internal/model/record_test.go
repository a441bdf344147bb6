package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFuel(t *testing.T) {
	t.Parallel()

	f, err := ParseFuel("  gasolina ")
	require.NoError(t, err)
	assert.Equal(t, FuelGasolina, f)

	f, err = ParseFuel("DIESEL S10")
	require.NoError(t, err)
	assert.Equal(t, Fuel("DIESEL S10"), f)

	_, err = ParseFuel("   ")
	assert.Error(t, err)
}

func TestQueryParamsForm(t *testing.T) {
	t.Parallel()

	q := QueryParams{
		Horas:     "72",
		ANP:       "GASOLINA",
		Latitude:  "-12.97111",
		Longitude: "-38.51083",
		Raio:      "100",
		Pagina:    "1",
		Ordenar:   "preco.asc",
	}

	form := q.Form()
	assert.Equal(t, "GASOLINA", form["anp"])
	assert.Equal(t, "1", form["pagina"])
	assert.Len(t, form, 7)

	q2 := q.WithPage(3)
	assert.Equal(t, "3", q2.Pagina)
	assert.Equal(t, "1", q.Pagina)
}

func TestPriceResponseItems(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		count   int
		wantErr bool
	}{
		{name: "array", body: `{"resultado":[{"a":1},{"a":2}]}`, count: 2},
		{name: "empty array", body: `{"resultado":[]}`, count: 0},
		{name: "missing", body: `{}`, count: 0},
		{name: "null", body: `{"resultado":null}`, count: 0},
		{name: "object", body: `{"resultado":{"a":1}}`, wantErr: true},
		{name: "string", body: `{"resultado":"nope"}`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp PriceResponse
			require.NoError(t, json.Unmarshal([]byte(tc.body), &resp))

			items, err := resp.Items()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, items, tc.count)
		})
	}
}

func TestPriceResponseDefaults(t *testing.T) {
	t.Parallel()

	var resp PriceResponse
	require.NoError(t, json.Unmarshal([]byte(`{"resultado":[{"a":1}]}`), &resp))

	assert.Equal(t, 1, resp.Pages())
	assert.Equal(t, 0, resp.Registros())
	assert.Equal(t, 1, resp.PageSize(1))
}

func TestPriceResponseReported(t *testing.T) {
	t.Parallel()

	var resp PriceResponse
	body := `{"resultado":[],"totalPaginas":7,"totalRegistros":204,"registrosdaPagina":30}`
	require.NoError(t, json.Unmarshal([]byte(body), &resp))

	assert.Equal(t, 7, resp.Pages())
	assert.Equal(t, 204, resp.Registros())
	assert.Equal(t, 30, resp.PageSize(0))
}
