package model

import "time"

// ResponseStats compares what the endpoint reported against what was
// actually written, so drift is visible without reopening data files.
type ResponseStats struct {
	TotalPaginasReported    int `json:"totalPaginas_reported"`
	TotalRegistrosReported  int `json:"totalRegistros_reported"`
	RegistrosPaginaReported int `json:"registrosdaPagina_reported"`
	PagesFetched            int `json:"pages_fetched"`
	RowsWritten             int `json:"rows_written"`
}

// RunManifest describes one category's batch within a collection run.
type RunManifest struct {
	RunID          string        `json:"run_id"`
	CollectedAtUTC time.Time     `json:"collected_at_utc"`
	ANP            string        `json:"anp"`
	BaseURL        string        `json:"base_url"`
	OutRoot        string        `json:"out_root"`
	DataFile       string        `json:"data_file"`
	Query          QueryParams   `json:"query"`
	ResponseStats  ResponseStats `json:"response_stats"`
}

// OverallManifest summarizes a whole collection invocation. Categories
// that failed are absent from Runs.
type OverallManifest struct {
	FinishedAtUTC time.Time     `json:"finished_at_utc"`
	OutDir        string        `json:"out_dir"`
	Runs          []RunManifest `json:"runs"`
}
