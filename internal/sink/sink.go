// Package sink writes collection batches as partitioned JSONL plus
// manifests, laid out for downstream warehouse ingestion.
package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/precodata/preco-cli/internal/model"
)

// OverallManifestName is the run summary file at the output root.
const OverallManifestName = "overall_manifest.json"

// Batch locates one category batch on disk.
type Batch struct {
	Dir          string
	DataFile     string
	ManifestFile string
}

// Sink writes batches under a fixed output root for one source.
type Sink struct {
	baseDir string
	source  string
}

// New creates a Sink rooted at baseDir for the given source name.
func New(baseDir, source string) *Sink {
	return &Sink{baseDir: baseDir, source: source}
}

// BaseDir returns the output root.
func (s *Sink) BaseDir() string {
	return s.baseDir
}

var slugDisallowed = regexp.MustCompile(`[^A-Za-z0-9_=.\-]`)

// Slug folds diacritics and replaces anything outside
// [A-Za-z0-9_=.-] with underscores, keeping partition names safe for
// downstream path-based tooling.
func Slug(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return slugDisallowed.ReplaceAllString(folded, "_")
}

// Paths returns the partition layout for a category batch:
// source=<source>/anp=<slug>/dt=<YYYY-MM-DD>/run_id=<id>/.
func (s *Sink) Paths(anp string, date time.Time, runID string) Batch {
	dir := filepath.Join(
		s.baseDir,
		"source="+Slug(s.source),
		"anp="+Slug(anp),
		"dt="+date.UTC().Format("2006-01-02"),
		"run_id="+runID,
	)
	return Batch{
		Dir:          dir,
		DataFile:     filepath.Join(dir, "data.jsonl"),
		ManifestFile: filepath.Join(dir, "manifest.json"),
	}
}

// WriteRows writes rows as JSONL, replacing any previous data file for
// the same run id. Returns the number of rows written.
func (s *Sink) WriteRows(b Batch, rows []model.CollectedRow) (int, error) {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return 0, eris.Wrap(err, "sink: create batch dir")
	}

	f, err := os.Create(b.DataFile)
	if err != nil {
		return 0, eris.Wrap(err, "sink: create data file")
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			_ = f.Close()
			return 0, eris.Wrap(err, "sink: encode row")
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, eris.Wrap(err, "sink: flush data file")
	}
	if err := f.Close(); err != nil {
		return 0, eris.Wrap(err, "sink: close data file")
	}
	return len(rows), nil
}

// WriteManifest writes the batch manifest atomically.
func (s *Sink) WriteManifest(b Batch, m model.RunManifest) error {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return eris.Wrap(err, "sink: create batch dir")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return eris.Wrap(err, "sink: encode manifest")
	}
	if err := writeFileAtomic(b.ManifestFile, data); err != nil {
		return eris.Wrap(err, "sink: write manifest")
	}
	return nil
}

// WriteOverall writes the run summary atomically at the output root
// and returns its path.
func (s *Sink) WriteOverall(m model.OverallManifest) (string, error) {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", eris.Wrap(err, "sink: create out dir")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "sink: encode overall manifest")
	}
	path := filepath.Join(s.baseDir, OverallManifestName)
	if err := writeFileAtomic(path, data); err != nil {
		return "", eris.Wrap(err, "sink: write overall manifest")
	}
	return path, nil
}

// writeFileAtomic writes to a temp file in the target directory and
// renames it into place, so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Discover walks the output root and returns every batch that has a
// manifest, in path order.
func Discover(baseDir string) ([]Batch, error) {
	var batches []Batch
	err := filepath.WalkDir(baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "manifest.json" {
			return nil
		}
		dir := filepath.Dir(path)
		batches = append(batches, Batch{
			Dir:          dir,
			DataFile:     filepath.Join(dir, "data.jsonl"),
			ManifestFile: path,
		})
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "sink: discover batches")
	}
	return batches, nil
}

// ReadManifest decodes a batch manifest.
func ReadManifest(path string) (model.RunManifest, error) {
	var m model.RunManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, eris.Wrap(err, "sink: read manifest")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, eris.Wrap(err, "sink: decode manifest")
	}
	return m, nil
}

// EachRow streams a batch's data file row by row.
func EachRow(dataFile string, fn func(model.CollectedRow) error) error {
	f, err := os.Open(dataFile)
	if err != nil {
		return eris.Wrap(err, "sink: open data file")
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var row model.CollectedRow
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			return eris.Wrapf(err, "sink: decode row %d of %s", line, dataFile)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return eris.Wrap(err, "sink: scan data file")
	}
	return nil
}
