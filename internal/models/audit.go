package models

import (
	"time"

	"github.com/uptrace/bun"
)

// MatchReject is a quarantined source row. Rows are unique per artifact
// row and reason so that reloading the same cleaned output is a no-op.
type MatchReject struct {
	bun.BaseModel `bun:"table:match_rejects,alias:mr"`

	ID               int64      `bun:"id,pk,autoincrement" json:"-"`
	LeagueID         string     `bun:"league_id,notnull" json:"league_id"`
	SeasonID         string     `bun:"season_id,notnull" json:"season_id"`
	SourceArtifactID string     `bun:"source_artifact_id,notnull,unique:match_rejects_row" json:"source_artifact_id"`
	SourceRow        int        `bun:"source_row,notnull,unique:match_rejects_row" json:"source_row"`
	Reason           ReasonCode `bun:"reason,notnull,unique:match_rejects_row" json:"reason"`
	Detail           string     `bun:"detail,notnull" json:"detail"`
	MatchKey         *string    `bun:"match_key" json:"match_key,omitempty"`
	FetchedAt        time.Time  `bun:"fetched_at,notnull" json:"fetched_at"`
	RawValues        StringMap  `bun:"raw_values,type:json" json:"raw_values,omitempty"`
	CreatedAt        time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"-"`
}

// Season returns the partition key the reject belongs to.
func (r *MatchReject) Season() SeasonKey {
	return SeasonKey{LeagueID: r.LeagueID, SeasonID: r.SeasonID}
}

// MatchConflict records values that lost a freshness comparison, were
// overwritten in the store, or were removed by a retraction. An entry is
// unique per match, reason and discarded source row, so reloading the
// same cleaned output adds nothing.
type MatchConflict struct {
	bun.BaseModel `bun:"table:match_conflicts,alias:mc"`

	ID                  int64          `bun:"id,pk,autoincrement" json:"-"`
	MatchKey            string         `bun:"match_key,notnull,unique:match_conflicts_entry" json:"match_key"`
	LeagueID            string         `bun:"league_id,notnull" json:"league_id"`
	SeasonID            string         `bun:"season_id,notnull" json:"season_id"`
	Reason              ConflictReason `bun:"reason,notnull,unique:match_conflicts_entry" json:"reason"`
	KeptArtifactID      *string        `bun:"kept_artifact_id" json:"kept_artifact_id,omitempty"`
	KeptFetchedAt       *time.Time     `bun:"kept_fetched_at" json:"kept_fetched_at,omitempty"`
	DiscardedArtifactID string         `bun:"discarded_artifact_id,notnull,unique:match_conflicts_entry" json:"discarded_artifact_id"`
	DiscardedFetchedAt  time.Time      `bun:"discarded_fetched_at,notnull" json:"discarded_fetched_at"`
	DiscardedRow        int            `bun:"discarded_row,notnull,unique:match_conflicts_entry" json:"discarded_row"`
	DiscardedValues     string         `bun:"discarded_values,notnull" json:"discarded_values"`
	CreatedAt           time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}
