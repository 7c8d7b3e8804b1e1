package schema

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/socascores/ingester/internal/artifact"
	"github.com/socascores/ingester/internal/ingesterr"
	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/models"
)

// Policy holds the tolerances of the reconciler.
type Policy struct {
	// MaxFailedRowRatio is the largest tolerated share of rows with a
	// coercion failure on a required field. 1 disables the check.
	MaxFailedRowRatio float64 `json:"max_failed_row_ratio"`
}

func DefaultPolicy() Policy {
	return Policy{MaxFailedRowRatio: 0.5}
}

// CoercionFailure is a cell that could not be converted to its field type.
type CoercionFailure struct {
	Row    int    `json:"row"`
	Column string `json:"column"`
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// Report summarizes how one artifact was mapped.
type Report struct {
	MatchedFields       map[string]string `json:"matched_fields"`
	UnmatchedRawColumns []string          `json:"unmatched_raw_columns"`
	CoercionFailures    []CoercionFailure `json:"coercion_failures"`
	BlankRows           int               `json:"blank_rows"`
	Rows                int               `json:"rows"`
	Layout              string            `json:"layout"`
}

// Row is one data row remapped onto canonical fields. Number is the 1-based
// position among the artifact's data rows.
type Row struct {
	Number int               `json:"row"`
	Values map[string]Value  `json:"values"`
	Extras map[string]string `json:"extras,omitempty"`
}

// Get returns the value bound to field, or a null value.
func (r Row) Get(field string) Value {
	return r.Values[field]
}

// ReconciledSet is the reconciled form of one artifact.
type ReconciledSet struct {
	ArtifactID    string    `json:"artifact_id"`
	LeagueID      string    `json:"league_id"`
	SeasonID      string    `json:"season_id"`
	SourceURL     string    `json:"source_url"`
	FetchedAt     time.Time `json:"fetched_at"`
	SchemaVersion string    `json:"schema_version"`
	Rows          []Row     `json:"rows"`
	Report        Report    `json:"report"`
}

// Season returns the partition key of the set.
func (s *ReconciledSet) Season() models.SeasonKey {
	return models.SeasonKey{LeagueID: s.LeagueID, SeasonID: s.SeasonID}
}

// SchemaReconciliationError means an artifact cannot be mapped at all.
type SchemaReconciliationError struct {
	ArtifactID    string
	League        string
	Season        string
	MissingFields []string
	Reason        string
	FailedRows    int
	TotalRows     int
}

const (
	ReasonMissingFields        = "missing_required_fields"
	ReasonFailureRatioExceeded = "failure_ratio_exceeded"
	ReasonUnreadable           = "unreadable"
)

func (e *SchemaReconciliationError) Error() string {
	switch e.Reason {
	case ReasonFailureRatioExceeded:
		return fmt.Sprintf("reconcile %s (%s/%s): %d of %d rows failed coercion on required fields",
			e.ArtifactID, e.League, e.Season, e.FailedRows, e.TotalRows)
	case ReasonMissingFields:
		return fmt.Sprintf("reconcile %s (%s/%s): missing required fields %s",
			e.ArtifactID, e.League, e.Season, strings.Join(e.MissingFields, ", "))
	default:
		return fmt.Sprintf("reconcile %s (%s/%s): %s", e.ArtifactID, e.League, e.Season, e.Reason)
	}
}

func structural(e *SchemaReconciliationError) error {
	return ingesterr.Mark(e, ingesterr.ErrStructural)
}

// Reconciler maps artifacts onto a canonical schema.
type Reconciler struct {
	schema *CanonicalSchema
	policy Policy
	logger *logging.Logger
}

func NewReconciler(s *CanonicalSchema, policy Policy, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	if policy.MaxFailedRowRatio < 0 {
		policy = DefaultPolicy()
	}
	return &Reconciler{schema: s, policy: policy, logger: logger}
}

func (r *Reconciler) Schema() *CanonicalSchema {
	return r.schema
}

// ReconcileArtifact reads a stored artifact and reconciles it.
func (r *Reconciler) ReconcileArtifact(meta *models.RawArtifact) (*ReconciledSet, error) {
	rc, err := artifact.Open(meta)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	return r.Reconcile(meta, rc)
}

// Reconcile maps body, the CSV of meta, onto the schema.
func (r *Reconciler) Reconcile(meta *models.RawArtifact, body io.Reader) (*ReconciledSet, error) {
	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, structural(&SchemaReconciliationError{
			ArtifactID: meta.ID, League: meta.LeagueID, Season: meta.SeasonID,
			Reason: fmt.Sprintf("%s: %v", ReasonUnreadable, err),
		})
	}

	bindings := Bind(r.schema, header)
	if missing := MissingRequired(r.schema, bindings); len(missing) > 0 {
		return nil, structural(&SchemaReconciliationError{
			ArtifactID: meta.ID, League: meta.LeagueID, Season: meta.SeasonID,
			MissingFields: missing, Reason: ReasonMissingFields,
		})
	}

	set := &ReconciledSet{
		ArtifactID:    meta.ID,
		LeagueID:      meta.LeagueID,
		SeasonID:      meta.SeasonID,
		SourceURL:     meta.SourceURL,
		FetchedAt:     meta.FetchedAt,
		SchemaVersion: r.schema.Version(),
		Report: Report{
			MatchedFields:       MatchedFields(bindings),
			UnmatchedRawColumns: []string{},
			CoercionFailures:    []CoercionFailure{},
			Layout:              DetectLayout(bindings),
		},
	}
	for _, b := range bindings {
		if _, ok := b.(ExtraColumn); ok {
			set.Report.UnmatchedRawColumns = append(set.Report.UnmatchedRawColumns, b.RawName())
		}
	}

	failedRequiredRows := 0
	number := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		number++
		if err != nil {
			return nil, structural(&SchemaReconciliationError{
				ArtifactID: meta.ID, League: meta.LeagueID, Season: meta.SeasonID,
				Reason: fmt.Sprintf("%s: row %d: %v", ReasonUnreadable, number, err),
			})
		}
		if blankRecord(record) {
			set.Report.BlankRows++
			continue
		}

		row, failures := r.mapRow(number, record, bindings, len(header))
		set.Rows = append(set.Rows, row)
		requiredFailed := false
		for _, f := range failures {
			if field, ok := r.schema.Field(f.Field); ok && field.Required {
				requiredFailed = true
			}
		}
		if requiredFailed {
			failedRequiredRows++
		}
		set.Report.CoercionFailures = append(set.Report.CoercionFailures, failures...)
	}
	set.Report.Rows = len(set.Rows)

	if set.Report.Rows > 0 && r.policy.MaxFailedRowRatio < 1 {
		ratio := float64(failedRequiredRows) / float64(set.Report.Rows)
		if ratio > r.policy.MaxFailedRowRatio {
			return nil, structural(&SchemaReconciliationError{
				ArtifactID: meta.ID, League: meta.LeagueID, Season: meta.SeasonID,
				Reason: ReasonFailureRatioExceeded, FailedRows: failedRequiredRows, TotalRows: set.Report.Rows,
			})
		}
	}

	if hint := strings.TrimSpace(meta.SchemaHint); hint != "" && !strings.EqualFold(hint, set.Report.Layout) {
		r.logger.Warn("schema hint does not match detected layout",
			"artifact_id", meta.ID,
			"league", meta.LeagueID,
			"season", meta.SeasonID,
			"hint", hint,
			"detected", set.Report.Layout,
		)
	}

	r.logger.Info("artifact reconciled",
		"artifact_id", meta.ID,
		"league", meta.LeagueID,
		"season", meta.SeasonID,
		"rows", set.Report.Rows,
		"blank_rows", set.Report.BlankRows,
		"extras", len(set.Report.UnmatchedRawColumns),
		"coercion_failures", len(set.Report.CoercionFailures),
	)
	return set, nil
}

func (r *Reconciler) mapRow(number int, record []string, bindings []ColumnBinding, width int) (Row, []CoercionFailure) {
	row := Row{Number: number, Values: make(map[string]Value)}
	var failures []CoercionFailure

	for _, b := range bindings {
		raw := ""
		if b.Index() < len(record) {
			raw = record[b.Index()]
		}
		switch bound := b.(type) {
		case ResolvedField:
			v, err := Coerce(bound.Field.Type, raw)
			if err != nil {
				failures = append(failures, CoercionFailure{
					Row:    number,
					Column: bound.Raw,
					Field:  bound.Field.Name,
					Value:  raw,
					Reason: err.Error(),
				})
			}
			row.Values[bound.Field.Name] = v
		case ExtraColumn:
			if strings.TrimSpace(raw) == "" {
				continue
			}
			if row.Extras == nil {
				row.Extras = make(map[string]string)
			}
			row.Extras[bound.Raw] = raw
		}
	}

	// Cells past the header width are kept rather than dropped.
	for i := width; i < len(record); i++ {
		if strings.TrimSpace(record[i]) == "" {
			continue
		}
		if row.Extras == nil {
			row.Extras = make(map[string]string)
		}
		row.Extras[fmt.Sprintf("column_%d", i+1)] = record[i]
	}
	return row, failures
}

// Outcome pairs an artifact with its reconciliation result.
type Outcome struct {
	Artifact *models.RawArtifact
	Set      *ReconciledSet
	Err      error
}

// ReconcileAll reconciles artifacts on a bounded pool. Outcomes keep the
// order of metas; a failing artifact does not affect the others.
func (r *Reconciler) ReconcileAll(ctx context.Context, metas []*models.RawArtifact, workers int) []Outcome {
	out := make([]Outcome, len(metas))
	if len(metas) == 0 {
		return out
	}
	if workers <= 0 {
		workers = 1
	}

	pool := pond.NewResultPool[*ReconciledSet](workers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	tasks := make([]pond.Result[*ReconciledSet], len(metas))
	for i, meta := range metas {
		meta := meta
		tasks[i] = pool.SubmitErr(func() (*ReconciledSet, error) {
			return r.ReconcileArtifact(meta)
		})
	}
	for i, task := range tasks {
		set, err := task.Wait()
		out[i] = Outcome{Artifact: metas[i], Set: set, Err: err}
	}
	return out
}

func blankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
