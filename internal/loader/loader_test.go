package loader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precodata/preco-cli/internal/model"
	"github.com/precodata/preco-cli/internal/sink"
	"github.com/precodata/preco-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func writeBatch(t *testing.T, s *sink.Sink, runID, anp string, items []model.RawPriceItem) {
	t.Helper()
	collected := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	rows := make([]model.CollectedRow, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		require.NoError(t, err)
		rows = append(rows, model.CollectedRow{
			CollectedAtUTC: collected,
			RunID:          runID,
			Source:         "precodahora",
			ANP:            anp,
			Raw:            raw,
		})
	}

	batch := s.Paths(anp, collected, runID)
	n, err := s.WriteRows(batch, rows)
	require.NoError(t, err)
	require.NoError(t, s.WriteManifest(batch, model.RunManifest{
		RunID:          runID,
		CollectedAtUTC: collected,
		ANP:            anp,
		DataFile:       batch.DataFile,
		ResponseStats:  model.ResponseStats{RowsWritten: n},
	}))
}

func testItem(cnpj string, price float64) model.RawPriceItem {
	return model.RawPriceItem{
		NomeFantasia:  "POSTO TESTE",
		CNPJ:          cnpj,
		Cidade:        "SALVADOR",
		Estado:        "BA",
		Latitude:      -12.97,
		Longitude:     -38.51,
		Produto:       "GASOLINA COMUM",
		UnidadeMedida: "R$/litro",
		ValorVenda:    price,
		DataColeta:    "30/08/2026 09:15:00",
	}
}

func TestLoadAll_LoadsAndSkips(t *testing.T) {
	st := newTestStore(t)
	out := t.TempDir()
	s := sink.New(out, "precodahora")

	writeBatch(t, s, "run-1", "GASOLINA", []model.RawPriceItem{
		testItem("111", 5.79),
		testItem("222", 5.89),
	})
	writeBatch(t, s, "run-2", "ETANOL", []model.RawPriceItem{
		testItem("333", 4.19),
	})

	l := New(st, 2)
	sum, err := l.LoadAll(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.BatchesLoaded)
	assert.Equal(t, 0, sum.BatchesSkipped)
	assert.Equal(t, 0, sum.BatchesFailed)
	assert.Equal(t, int64(3), sum.RowsLoaded)

	// Second pass skips everything via the load log.
	sum, err = l.LoadAll(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.BatchesLoaded)
	assert.Equal(t, 2, sum.BatchesSkipped)

	stats, err := st.StatsSummary(context.Background(), store.StatsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Rows)
}

func TestLoadAll_EmptyBatchStillLogged(t *testing.T) {
	st := newTestStore(t)
	out := t.TempDir()
	s := sink.New(out, "precodahora")

	writeBatch(t, s, "run-empty", "GNV", nil)

	l := New(st, 1)
	sum, err := l.LoadAll(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.BatchesLoaded)
	assert.Equal(t, int64(0), sum.RowsLoaded)

	loaded, err := st.IsLoaded(context.Background(), "run-empty")
	require.NoError(t, err)
	assert.True(t, loaded)
}

func TestLoadAll_CorruptBatchIsolated(t *testing.T) {
	st := newTestStore(t)
	out := t.TempDir()
	s := sink.New(out, "precodahora")

	writeBatch(t, s, "run-good", "GASOLINA", []model.RawPriceItem{testItem("111", 5.79)})
	writeBatch(t, s, "run-bad", "ETANOL", []model.RawPriceItem{testItem("222", 4.19)})

	// Corrupt the bad batch's data file.
	bad := s.Paths("ETANOL", time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), "run-bad")
	require.NoError(t, os.WriteFile(bad.DataFile, []byte("{not json\n"), 0o644))

	l := New(st, 1)
	sum, err := l.LoadAll(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.BatchesLoaded)
	assert.Equal(t, 1, sum.BatchesFailed)

	// The failed run is not marked loaded and can be retried.
	loaded, err := st.IsLoaded(context.Background(), "run-bad")
	require.NoError(t, err)
	assert.False(t, loaded)

	entries, err := st.ListLoads(context.Background(), 10)
	require.NoError(t, err)
	var failed *store.LoadEntry
	for i := range entries {
		if entries[i].RunID == "run-bad" {
			failed = &entries[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, store.LoadFailed, failed.Status)
	assert.NotEmpty(t, failed.Error)
}

func TestLoadAll_EmptyDir(t *testing.T) {
	st := newTestStore(t)

	l := New(st, 4)
	sum, err := l.LoadAll(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}
