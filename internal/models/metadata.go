package models

import (
	"time"

	"github.com/uptrace/bun"
)

// RawArtifact describes one immutable fetched CSV. The same struct is
// written as the JSON manifest beside the file and registered in the store
// for lineage.
type RawArtifact struct {
	bun.BaseModel `bun:"table:raw_artifacts,alias:ra"`

	ID          string      `bun:"id,pk" json:"id"`
	LeagueID    string      `bun:"league_id,notnull" json:"league_id"`
	SeasonID    string      `bun:"season_id,notnull" json:"season_id"`
	SourceURL   string      `bun:"source_url,notnull" json:"source_url"`
	SchemaHint  string      `bun:"schema_hint" json:"schema_hint,omitempty"`
	FetchedAt   time.Time   `bun:"fetched_at,notnull" json:"fetched_at"`
	RawColumns  StringArray `bun:"raw_columns,type:json,notnull" json:"raw_columns"`
	RowCount    int         `bun:"row_count,notnull" json:"row_count"`
	StoragePath string      `bun:"storage_path,notnull" json:"storage_path"`
	ContentHash string      `bun:"content_hash,notnull" json:"content_hash"`
	SizeBytes   int64       `bun:"size_bytes,notnull" json:"size_bytes"`
	Encoding    string      `bun:"encoding,notnull" json:"encoding"`
	CreatedAt   time.Time   `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"-"`
}

// Season returns the partition key the artifact belongs to.
func (a *RawArtifact) Season() SeasonKey {
	return SeasonKey{LeagueID: a.LeagueID, SeasonID: a.SeasonID}
}

// IngestRun tracks pipeline runs and their outcomes.
type IngestRun struct {
	bun.BaseModel `bun:"table:ingest_runs,alias:ir"`

	ID            int64      `bun:"id,pk,autoincrement" json:"id"`
	RunID         string     `bun:"run_id,unique,notnull" json:"run_id"`
	StartTime     time.Time  `bun:"start_time,notnull" json:"start_time"`
	EndTime       *time.Time `bun:"end_time" json:"end_time,omitempty"`
	Outcome       RunOutcome `bun:"outcome,notnull" json:"outcome"`
	Seasons       int        `bun:"seasons,default:0" json:"seasons"`
	RowsFetched   int        `bun:"rows_fetched,default:0" json:"rows_fetched"`
	RowsCleaned   int        `bun:"rows_cleaned,default:0" json:"rows_cleaned"`
	RowsInserted  int        `bun:"rows_inserted,default:0" json:"rows_inserted"`
	RowsUpdated   int        `bun:"rows_updated,default:0" json:"rows_updated"`
	RowsUnchanged int        `bun:"rows_unchanged,default:0" json:"rows_unchanged"`
	RowsRejected  int        `bun:"rows_rejected,default:0" json:"rows_rejected"`
	ErrorsCount   int        `bun:"errors_count,default:0" json:"errors_count"`
	ErrorLog      *string    `bun:"error_log" json:"error_log,omitempty"`
	Summary       *string    `bun:"summary" json:"summary,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}
