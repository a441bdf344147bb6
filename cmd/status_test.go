//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/precodata/preco-cli/internal/store"
)

func TestFormatLoadEntries_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatLoadEntries(&buf, nil)

	output := buf.String()
	// Should still have the header even if entries is nil.
	assert.Contains(t, output, "RUN")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "STARTED")
}

func TestFormatLoadEntries_SingleEntry(t *testing.T) {
	started := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)
	completed := started.Add(5 * time.Minute)

	entries := []store.LoadEntry{
		{
			ID:          1,
			RunID:       "9f1c2d3e-aaaa-bbbb-cccc-ddddeeeeffff",
			ANP:         "GASOLINA",
			Status:      store.LoadComplete,
			StartedAt:   started,
			CompletedAt: &completed,
			RowsLoaded:  1200,
		},
	}

	var buf bytes.Buffer
	formatLoadEntries(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "GASOLINA")
	assert.Contains(t, output, store.LoadComplete)
	assert.Contains(t, output, "2026-08-30 10:30")
	assert.Contains(t, output, "5m0s")
	assert.Contains(t, output, "1200")
	// Long run ids are truncated for the table.
	assert.NotContains(t, output, "9f1c2d3e-aaaa-bbbb-cccc-ddddeeeeffff")
}

func TestFormatLoadEntries_Running(t *testing.T) {
	started := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	entries := []store.LoadEntry{
		{
			ID:        2,
			RunID:     "run-2",
			ANP:       "ETANOL",
			Status:    store.LoadRunning,
			StartedAt: started,
		},
	}

	var buf bytes.Buffer
	formatLoadEntries(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "ETANOL")
	assert.Contains(t, output, store.LoadRunning)
	assert.Contains(t, output, "-") // duration placeholder
}

func TestFormatLoadEntries_WithLongError(t *testing.T) {
	started := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	longErr := "this is a very long error message that should be truncated when it exceeds the sixty character limit set in the truncate function"

	entries := []store.LoadEntry{
		{
			ID:        3,
			RunID:     "run-3",
			ANP:       "DIESEL",
			Status:    store.LoadFailed,
			StartedAt: started,
			Error:     longErr,
		},
	}

	var buf bytes.Buffer
	formatLoadEntries(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "DIESEL")
	assert.Contains(t, output, store.LoadFailed)
	assert.Contains(t, output, "...")
	assert.NotContains(t, output, longErr)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly-10", truncate("exactly-10", 10))
	assert.Equal(t, "toolong...", truncate("toolong-string", 10))
}
