package pipeline

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/socascores/ingester/internal/models"
)

var exportHeader = []string{
	"match_key", "league_id", "season_id", "match_date", "kickoff",
	"home_team", "away_team",
	"full_time_home_goals", "full_time_away_goals", "result",
	"half_time_home_goals", "half_time_away_goals", "half_time_result",
	"referee", "attendance",
	"home_shots", "away_shots", "home_shots_on_target", "away_shots_on_target",
	"home_fouls", "away_fouls", "home_corners", "away_corners",
	"home_yellow_cards", "away_yellow_cards", "home_red_cards", "away_red_cards",
	"odds_home", "odds_draw", "odds_away", "avg_odds_home", "avg_odds_draw", "avg_odds_away",
	"month", "year", "weekday",
	"source_artifact_id", "fetched_at", "source_row", "schema_version", "content_hash",
}

// WriteMatchesCSV writes records in the cleaned dataset layout consumed by
// feature engineering. Nulls are empty cells.
func WriteMatchesCSV(w io.Writer, records []*models.MatchRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, m := range records {
		row := []string{
			m.MatchKey, m.LeagueID, m.SeasonID, m.MatchDate.Format(time.DateOnly), str(m.Kickoff),
			m.HomeTeam, m.AwayTeam,
			strconv.Itoa(m.FullTimeHomeGoals), strconv.Itoa(m.FullTimeAwayGoals), string(m.Result),
			num(m.HalfTimeHomeGoals), num(m.HalfTimeAwayGoals), result(m.HalfTimeResult),
			str(m.Referee), num(m.Attendance),
			num(m.HomeShots), num(m.AwayShots), num(m.HomeShotsOnTarget), num(m.AwayShotsOnTarget),
			num(m.HomeFouls), num(m.AwayFouls), num(m.HomeCorners), num(m.AwayCorners),
			num(m.HomeYellowCards), num(m.AwayYellowCards), num(m.HomeRedCards), num(m.AwayRedCards),
			dec(m.OddsHome), dec(m.OddsDraw), dec(m.OddsAway), dec(m.AvgOddsHome), dec(m.AvgOddsDraw), dec(m.AvgOddsAway),
			m.Month, strconv.Itoa(m.Year), m.Weekday,
			m.SourceArtifactID, m.FetchedAt.UTC().Format(time.RFC3339), strconv.Itoa(m.SourceRow), m.SchemaVersion, m.ContentHash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func num(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func result(r *models.Result) string {
	if r == nil {
		return ""
	}
	return string(*r)
}

func dec(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
