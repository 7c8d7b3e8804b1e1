package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bytedance/sonic"

	"github.com/socascores/ingester/internal/clean"
	"github.com/socascores/ingester/internal/merge"
	"github.com/socascores/ingester/internal/models"
	"github.com/socascores/ingester/internal/schema"
)

const (
	reconciledDir  = "reconciled"
	runsDir        = "runs"
	mergedFile     = "merged.json"
	cleanedFile    = "cleaned.json"
	rejectsFile    = "rejects.json"
	conflictsFile  = "conflicts.json"
	cleanedCSVFile = "cleaned.csv"
)

// Workspace holds the hand-off files between stages so that each stage can
// run on its own from the previous stage's output.
type Workspace struct {
	dir string
}

func NewWorkspace(dir string) *Workspace {
	return &Workspace{dir: dir}
}

func (w *Workspace) Dir() string {
	return w.dir
}

func (w *Workspace) ReconciledPath(artifactID string) string {
	return filepath.Join(w.dir, reconciledDir, artifactID+".json")
}

func (w *Workspace) MergedPath() string     { return filepath.Join(w.dir, mergedFile) }
func (w *Workspace) CleanedPath() string    { return filepath.Join(w.dir, cleanedFile) }
func (w *Workspace) RejectsPath() string    { return filepath.Join(w.dir, rejectsFile) }
func (w *Workspace) ConflictsPath() string  { return filepath.Join(w.dir, conflictsFile) }
func (w *Workspace) CleanedCSVPath() string { return filepath.Join(w.dir, cleanedCSVFile) }

func (w *Workspace) SummaryPath(runID string) string {
	return filepath.Join(w.dir, runsDir, runID+".json")
}

// cleanedDoc is the on-disk form of cleaned.json. Rejects and conflicts
// live in their own files.
type cleanedDoc struct {
	SchemaVersion string                `json:"schema_version"`
	Records       []*models.MatchRecord `json:"records"`
	Report        clean.Report          `json:"report"`
}

// WriteReconciled stores one reconciled set, replacing an earlier
// reconciliation of the same artifact.
func (w *Workspace) WriteReconciled(set *schema.ReconciledSet) (string, error) {
	path := w.ReconciledPath(set.ArtifactID)
	return path, writeJSON(path, set)
}

// ReadReconciled loads the given files, or every file in the reconciled
// directory when paths is empty.
func (w *Workspace) ReadReconciled(paths []string) ([]*schema.ReconciledSet, error) {
	if len(paths) == 0 {
		found, err := filepath.Glob(filepath.Join(w.dir, reconciledDir, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(found)
		paths = found
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no reconciled sets in %s", filepath.Join(w.dir, reconciledDir))
	}

	sets := make([]*schema.ReconciledSet, 0, len(paths))
	for _, p := range paths {
		set := new(schema.ReconciledSet)
		if err := readJSON(p, set); err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func (w *Workspace) WriteMerged(ds *merge.Dataset) error {
	return writeJSON(w.MergedPath(), ds)
}

func (w *Workspace) ReadMerged() (*merge.Dataset, error) {
	ds := new(merge.Dataset)
	if err := readJSON(w.MergedPath(), ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// WriteCleaned writes cleaned.json, rejects.json, conflicts.json and the
// cleaned.csv export.
func (w *Workspace) WriteCleaned(res *clean.Result) error {
	doc := cleanedDoc{SchemaVersion: res.SchemaVersion, Records: res.Records, Report: res.Report}
	if err := writeJSON(w.CleanedPath(), doc); err != nil {
		return err
	}
	if err := writeJSON(w.RejectsPath(), res.Rejects); err != nil {
		return err
	}
	if err := writeJSON(w.ConflictsPath(), res.Conflicts); err != nil {
		return err
	}
	return writeFileAtomic(w.CleanedCSVPath(), func(f *os.File) error {
		return WriteMatchesCSV(f, res.Records)
	})
}

func (w *Workspace) ReadCleaned() (*clean.Result, error) {
	var doc cleanedDoc
	if err := readJSON(w.CleanedPath(), &doc); err != nil {
		return nil, err
	}
	res := &clean.Result{SchemaVersion: doc.SchemaVersion, Records: doc.Records, Report: doc.Report}

	// Older work dirs may lack the side files.
	if err := readJSON(w.RejectsPath(), &res.Rejects); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := readJSON(w.ConflictsPath(), &res.Conflicts); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return res, nil
}

func (w *Workspace) WriteSummary(s *RunSummary) (string, error) {
	path := w.SummaryPath(s.RunID)
	return path, writeJSON(path, s)
}

func writeJSON(path string, v any) error {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, func(f *os.File) error {
		_, err := f.Write(append(b, '\n'))
		return err
	})
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := sonic.ConfigStd.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes through a temp file in the same directory so a
// crashed stage never leaves a truncated hand-off file behind.
func writeFileAtomic(path string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
