package sink

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precodata/preco-cli/internal/model"
)

func TestSlug(t *testing.T) {
	cases := []struct{ in, want string }{
		{"GASOLINA", "GASOLINA"},
		{"ÓLEO DIESEL S-10", "OLEO_DIESEL_S-10"},
		{"gás natural", "gas_natural"},
		{"a=b.c-d_e", "a=b.c-d_e"},
		{"preço/litro", "preco_litro"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Slug(tc.in), "Slug(%q)", tc.in)
	}
}

func TestPathsLayout(t *testing.T) {
	s := New("/data/raw", "precodahora")
	date := time.Date(2026, 8, 18, 23, 59, 0, 0, time.UTC)

	b := s.Paths("GNV", date, "run-123")
	want := filepath.Join("/data/raw", "source=precodahora", "anp=GNV", "dt=2026-08-18", "run_id=run-123")
	assert.Equal(t, want, b.Dir)
	assert.Equal(t, filepath.Join(want, "data.jsonl"), b.DataFile)
	assert.Equal(t, filepath.Join(want, "manifest.json"), b.ManifestFile)
}

func sampleRows(runID string, n int) []model.CollectedRow {
	rows := make([]model.CollectedRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, model.CollectedRow{
			CollectedAtUTC: time.Date(2026, 8, 18, 12, 0, i, 0, time.UTC),
			RunID:          runID,
			Source:         "precodahora",
			ANP:            "GASOLINA",
			Raw:            json.RawMessage(`{"valor_venda":5.89}`),
		})
	}
	return rows
}

func TestWriteRowsAndReadBack(t *testing.T) {
	s := New(t.TempDir(), "precodahora")
	b := s.Paths("GASOLINA", time.Now(), "run-1")

	n, err := s.WriteRows(b, sampleRows("run-1", 3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got []model.CollectedRow
	require.NoError(t, EachRow(b.DataFile, func(row model.CollectedRow) error {
		got = append(got, row)
		return nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.JSONEq(t, `{"valor_venda":5.89}`, string(got[1].Raw))

	// Rewriting the same batch replaces, not appends.
	n, err = s.WriteRows(b, sampleRows("run-1", 2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(b.DataFile)
	require.NoError(t, err)
	lines := strings.Count(string(data), "\n")
	assert.Equal(t, 2, lines)
}

func TestWriteRowsEmptyBatch(t *testing.T) {
	s := New(t.TempDir(), "precodahora")
	b := s.Paths("ETANOL", time.Now(), "run-2")

	n, err := s.WriteRows(b, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	data, err := os.ReadFile(b.DataFile)
	require.NoError(t, err)
	assert.Empty(t, data, "zero-result batch still gets an empty data file")
}

func TestWriteManifest(t *testing.T) {
	s := New(t.TempDir(), "precodahora")
	b := s.Paths("GASOLINA", time.Now(), "run-3")

	m := model.RunManifest{
		RunID:          "run-3",
		CollectedAtUTC: time.Date(2026, 8, 18, 12, 0, 0, 0, time.UTC),
		ANP:            "GASOLINA",
		BaseURL:        "https://precodahora.ba.gov.br",
		OutRoot:        s.BaseDir(),
		DataFile:       b.DataFile,
		ResponseStats:  model.ResponseStats{RowsWritten: 3, PagesFetched: 1},
	}
	require.NoError(t, s.WriteManifest(b, m))

	got, err := ReadManifest(b.ManifestFile)
	require.NoError(t, err)
	assert.Equal(t, m.RunID, got.RunID)
	assert.Equal(t, 3, got.ResponseStats.RowsWritten)

	// No temp residue after the rename.
	entries, err := os.ReadDir(b.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover %s", e.Name())
	}
}

func TestWriteOverall(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "precodahora")

	path, err := s.WriteOverall(model.OverallManifest{
		FinishedAtUTC: time.Now().UTC(),
		OutDir:        dir,
		Runs:          []model.RunManifest{{RunID: "run-1"}, {RunID: "run-2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, OverallManifestName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m model.OverallManifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Len(t, m.Runs, 2)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "precodahora")

	b1 := s.Paths("GASOLINA", time.Now(), "run-1")
	b2 := s.Paths("ETANOL", time.Now(), "run-2")
	_, err := s.WriteRows(b1, sampleRows("run-1", 1))
	require.NoError(t, err)
	require.NoError(t, s.WriteManifest(b1, model.RunManifest{RunID: "run-1"}))
	_, err = s.WriteRows(b2, sampleRows("run-2", 1))
	require.NoError(t, err)
	require.NoError(t, s.WriteManifest(b2, model.RunManifest{RunID: "run-2"}))

	// The run summary must not be mistaken for a batch manifest.
	_, err = s.WriteOverall(model.OverallManifest{OutDir: dir})
	require.NoError(t, err)

	batches, err := Discover(dir)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	var runIDs []string
	for _, b := range batches {
		m, err := ReadManifest(b.ManifestFile)
		require.NoError(t, err)
		runIDs = append(runIDs, m.RunID)
	}
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, runIDs)
}

func TestEachRowCallbackError(t *testing.T) {
	s := New(t.TempDir(), "precodahora")
	b := s.Paths("GNV", time.Now(), "run-4")
	_, err := s.WriteRows(b, sampleRows("run-4", 3))
	require.NoError(t, err)

	boom := errors.New("stop here")
	seen := 0
	err = EachRow(b.DataFile, func(model.CollectedRow) error {
		seen++
		if seen == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, seen)
}

func TestEachRowBadLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"run_id\":\"ok\"}\nnot json\n"), 0o644))

	err := EachRow(path, func(model.CollectedRow) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
}
