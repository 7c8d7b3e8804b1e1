package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// MatchRecord is one cleaned, canonical match.
type MatchRecord struct {
	bun.BaseModel `bun:"table:match_records,alias:m"`

	MatchKey  string    `bun:"match_key,pk" json:"match_key"`
	LeagueID  string    `bun:"league_id,notnull" json:"league_id"`
	SeasonID  string    `bun:"season_id,notnull" json:"season_id"`
	MatchDate time.Time `bun:"match_date,notnull" json:"match_date"`
	Kickoff   *string   `bun:"kickoff" json:"kickoff,omitempty"`
	HomeTeam  string    `bun:"home_team,notnull" json:"home_team"`
	AwayTeam  string    `bun:"away_team,notnull" json:"away_team"`

	FullTimeHomeGoals int    `bun:"full_time_home_goals,notnull" json:"full_time_home_goals"`
	FullTimeAwayGoals int    `bun:"full_time_away_goals,notnull" json:"full_time_away_goals"`
	Result            Result `bun:"result,notnull" json:"result"`

	HalfTimeHomeGoals *int    `bun:"half_time_home_goals" json:"half_time_home_goals,omitempty"`
	HalfTimeAwayGoals *int    `bun:"half_time_away_goals" json:"half_time_away_goals,omitempty"`
	HalfTimeResult    *Result `bun:"half_time_result" json:"half_time_result,omitempty"`
	Referee           *string `bun:"referee" json:"referee,omitempty"`
	Attendance        *int    `bun:"attendance" json:"attendance,omitempty"`
	HomeShots         *int    `bun:"home_shots" json:"home_shots,omitempty"`
	AwayShots         *int    `bun:"away_shots" json:"away_shots,omitempty"`
	HomeShotsOnTarget *int    `bun:"home_shots_on_target" json:"home_shots_on_target,omitempty"`
	AwayShotsOnTarget *int    `bun:"away_shots_on_target" json:"away_shots_on_target,omitempty"`
	HomeFouls         *int    `bun:"home_fouls" json:"home_fouls,omitempty"`
	AwayFouls         *int    `bun:"away_fouls" json:"away_fouls,omitempty"`
	HomeCorners       *int    `bun:"home_corners" json:"home_corners,omitempty"`
	AwayCorners       *int    `bun:"away_corners" json:"away_corners,omitempty"`
	HomeYellowCards   *int    `bun:"home_yellow_cards" json:"home_yellow_cards,omitempty"`
	AwayYellowCards   *int    `bun:"away_yellow_cards" json:"away_yellow_cards,omitempty"`
	HomeRedCards      *int    `bun:"home_red_cards" json:"home_red_cards,omitempty"`
	AwayRedCards      *int    `bun:"away_red_cards" json:"away_red_cards,omitempty"`

	OddsHome    decimal.NullDecimal `bun:"odds_home,type:numeric" json:"odds_home"`
	OddsDraw    decimal.NullDecimal `bun:"odds_draw,type:numeric" json:"odds_draw"`
	OddsAway    decimal.NullDecimal `bun:"odds_away,type:numeric" json:"odds_away"`
	AvgOddsHome decimal.NullDecimal `bun:"avg_odds_home,type:numeric" json:"avg_odds_home"`
	AvgOddsDraw decimal.NullDecimal `bun:"avg_odds_draw,type:numeric" json:"avg_odds_draw"`
	AvgOddsAway decimal.NullDecimal `bun:"avg_odds_away,type:numeric" json:"avg_odds_away"`

	Month   string `bun:"month,notnull" json:"month"`
	Year    int    `bun:"year,notnull" json:"year"`
	Weekday string `bun:"weekday,notnull" json:"weekday"`

	Extras StringMap `bun:"extras,type:json" json:"extras,omitempty"`

	SourceArtifactID string    `bun:"source_artifact_id,notnull" json:"source_artifact_id"`
	FetchedAt        time.Time `bun:"fetched_at,notnull" json:"fetched_at"`
	SourceRow        int       `bun:"source_row,notnull" json:"source_row"`
	SchemaVersion    string    `bun:"schema_version,notnull" json:"schema_version"`
	ContentHash      string    `bun:"content_hash,notnull" json:"content_hash"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// Validate checks the identity and outcome invariants of a record.
func (m *MatchRecord) Validate() error {
	if m.MatchKey == "" {
		return errors.New("match key is required")
	}
	if m.LeagueID == "" || m.SeasonID == "" {
		return errors.New("league and season are required")
	}
	if m.HomeTeam == "" || m.AwayTeam == "" {
		return errors.New("home and away teams are required")
	}
	if m.HomeTeam == m.AwayTeam {
		return errors.New("home and away teams must differ")
	}
	if m.MatchDate.IsZero() {
		return errors.New("match date is required")
	}
	if m.FullTimeHomeGoals < 0 || m.FullTimeAwayGoals < 0 {
		return errors.New("goals cannot be negative")
	}
	if m.Result != DeriveResult(m.FullTimeHomeGoals, m.FullTimeAwayGoals) {
		return errors.New("result does not match goals")
	}
	if m.SourceArtifactID == "" {
		return errors.New("source artifact is required")
	}
	return nil
}

// Season returns the partition key the record belongs to.
func (m *MatchRecord) Season() SeasonKey {
	return SeasonKey{LeagueID: m.LeagueID, SeasonID: m.SeasonID}
}

// FresherThan reports whether m was fetched after other. Ties on fetch
// time fall back to artifact id, whose ULID ordering tracks fetch order,
// then to the later source row.
func (m *MatchRecord) FresherThan(other *MatchRecord) bool {
	if !m.FetchedAt.Equal(other.FetchedAt) {
		return m.FetchedAt.After(other.FetchedAt)
	}
	if m.SourceArtifactID != other.SourceArtifactID {
		return m.SourceArtifactID > other.SourceArtifactID
	}
	return m.SourceRow > other.SourceRow
}

// SeasonKey identifies one league/season partition.
type SeasonKey struct {
	LeagueID string `json:"league_id"`
	SeasonID string `json:"season_id"`
}

func (k SeasonKey) String() string {
	return k.LeagueID + "/" + k.SeasonID
}

// Less orders season keys by league then season.
func (k SeasonKey) Less(other SeasonKey) bool {
	if k.LeagueID != other.LeagueID {
		return k.LeagueID < other.LeagueID
	}
	return k.SeasonID < other.SeasonID
}
