// Package merge concatenates reconciled artifacts into one ordered,
// provenance-tagged dataset.
package merge

import (
	"sort"
	"time"

	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/models"
	"github.com/socascores/ingester/internal/schema"
)

// Provenance identifies where a row came from.
type Provenance struct {
	LeagueID   string    `json:"league_id"`
	SeasonID   string    `json:"season_id"`
	ArtifactID string    `json:"artifact_id"`
	FetchedAt  time.Time `json:"fetched_at"`
	RowNumber  int       `json:"row_number"`
	SourceURL  string    `json:"source_url,omitempty"`
}

// Season returns the partition key of the row.
func (p Provenance) Season() models.SeasonKey {
	return models.SeasonKey{LeagueID: p.LeagueID, SeasonID: p.SeasonID}
}

// TaggedRow is a reconciled row with its provenance.
type TaggedRow struct {
	Provenance Provenance              `json:"provenance"`
	Values     map[string]schema.Value `json:"values"`
	Extras     map[string]string       `json:"extras,omitempty"`
}

// RejectedArtifact is a reconciled set left out of the merge.
type RejectedArtifact struct {
	ArtifactID string `json:"artifact_id"`
	Reason     string `json:"reason"`
}

// Report summarizes one merge.
type Report struct {
	Artifacts         []string           `json:"artifacts"`
	RejectedArtifacts []RejectedArtifact `json:"rejected_artifacts"`
	Rows              int                `json:"rows"`
	RowsPerSeason     map[string]int     `json:"rows_per_season"`
}

// Dataset is the merged, ordered output.
type Dataset struct {
	SchemaVersion string      `json:"schema_version"`
	Rows          []TaggedRow `json:"rows"`
	Report        Report      `json:"report"`
}

const (
	RejectDuplicateArtifact = "duplicate_artifact"
	RejectSchemaVersion     = "schema_version_mismatch"
)

// Merger merges reconciled sets produced against one schema.
type Merger struct {
	schema *schema.CanonicalSchema
	logger *logging.Logger
}

func NewMerger(s *schema.CanonicalSchema, logger *logging.Logger) *Merger {
	if logger == nil {
		logger = logging.Default()
	}
	return &Merger{schema: s, logger: logger}
}

type sortKey struct {
	season  models.SeasonKey
	hasDate bool
	date    time.Time
}

// Merge concatenates sets and orders rows by league, season and date, then
// artifact id, then original row position. Rows whose date cannot be parsed
// sort after the dated rows of their season. Duplicate rows are not
// removed here.
func (m *Merger) Merge(sets []*schema.ReconciledSet) *Dataset {
	ds := &Dataset{
		SchemaVersion: m.schema.Version(),
		Rows:          []TaggedRow{},
		Report: Report{
			Artifacts:         []string{},
			RejectedArtifacts: []RejectedArtifact{},
			RowsPerSeason:     make(map[string]int),
		},
	}

	seen := make(map[string]bool)
	var keys []sortKey
	layouts := m.schema.DateLayouts()

	for _, set := range sets {
		if set == nil {
			continue
		}
		if seen[set.ArtifactID] {
			ds.Report.RejectedArtifacts = append(ds.Report.RejectedArtifacts, RejectedArtifact{ArtifactID: set.ArtifactID, Reason: RejectDuplicateArtifact})
			m.logger.Warn("artifact supplied twice, ignoring repeat", "artifact_id", set.ArtifactID)
			continue
		}
		if set.SchemaVersion != ds.SchemaVersion {
			ds.Report.RejectedArtifacts = append(ds.Report.RejectedArtifacts, RejectedArtifact{ArtifactID: set.ArtifactID, Reason: RejectSchemaVersion})
			m.logger.Warn("artifact reconciled against another schema version",
				"artifact_id", set.ArtifactID,
				"version", set.SchemaVersion,
				"expected", ds.SchemaVersion,
			)
			continue
		}
		seen[set.ArtifactID] = true
		ds.Report.Artifacts = append(ds.Report.Artifacts, set.ArtifactID)

		for _, row := range set.Rows {
			tagged := TaggedRow{
				Provenance: Provenance{
					LeagueID:   set.LeagueID,
					SeasonID:   set.SeasonID,
					ArtifactID: set.ArtifactID,
					FetchedAt:  set.FetchedAt,
					RowNumber:  row.Number,
					SourceURL:  set.SourceURL,
				},
				Values: row.Values,
				Extras: row.Extras,
			}
			key := sortKey{season: set.Season()}
			if d, err := schema.ParseDate(row.Get(schema.FieldDate).Raw, layouts); err == nil {
				key.hasDate = true
				key.date = d
			}
			ds.Rows = append(ds.Rows, tagged)
			keys = append(keys, key)
			ds.Report.RowsPerSeason[set.Season().String()]++
		}
	}

	idx := make([]int, len(ds.Rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		if ka.season != kb.season {
			return ka.season.Less(kb.season)
		}
		if ka.hasDate != kb.hasDate {
			return ka.hasDate
		}
		if ka.hasDate && !ka.date.Equal(kb.date) {
			return ka.date.Before(kb.date)
		}
		pa, pb := ds.Rows[idx[a]].Provenance, ds.Rows[idx[b]].Provenance
		if pa.ArtifactID != pb.ArtifactID {
			return pa.ArtifactID < pb.ArtifactID
		}
		return pa.RowNumber < pb.RowNumber
	})
	ordered := make([]TaggedRow, len(idx))
	for i, j := range idx {
		ordered[i] = ds.Rows[j]
	}
	ds.Rows = ordered
	ds.Report.Rows = len(ordered)

	m.logger.Info("merge finished",
		"artifacts", len(ds.Report.Artifacts),
		"rejected_artifacts", len(ds.Report.RejectedArtifacts),
		"rows", ds.Report.Rows,
	)
	return ds
}
