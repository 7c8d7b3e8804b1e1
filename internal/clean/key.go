package clean

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"

	"github.com/socascores/ingester/internal/models"
)

const keySeparator = "\x1f"

// MatchKey derives the stable identity of a match from league, season,
// calendar date and canonical team names.
func MatchKey(league, season string, date time.Time, home, away string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(league)),
		strings.ToLower(strings.TrimSpace(season)),
		date.UTC().Format("2006-01-02"),
		strings.ToLower(home),
		strings.ToLower(away),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, keySeparator)))
	return hex.EncodeToString(sum[:])
}

// matchValues is the part of a record that the content hash covers.
// Provenance and bookkeeping columns are excluded.
type matchValues struct {
	MatchKey          string             `json:"match_key"`
	Date              string             `json:"date"`
	Kickoff           *string            `json:"kickoff"`
	HomeTeam          string             `json:"home_team"`
	AwayTeam          string             `json:"away_team"`
	FullTimeHomeGoals int                `json:"fthg"`
	FullTimeAwayGoals int                `json:"ftag"`
	Result            models.Result      `json:"result"`
	HalfTimeHomeGoals *int               `json:"hthg"`
	HalfTimeAwayGoals *int               `json:"htag"`
	HalfTimeResult    *models.Result     `json:"htr"`
	Referee           *string            `json:"referee"`
	Attendance        *int               `json:"attendance"`
	Stats             []*int             `json:"stats"`
	Odds              []*decimal.Decimal `json:"odds"`
	Extras            map[string]string  `json:"extras"`
}

// ContentHash hashes the canonical JSON (RFC 8785) of a record's values.
func ContentHash(m *models.MatchRecord) (string, error) {
	v := matchValues{
		MatchKey:          m.MatchKey,
		Date:              m.MatchDate.UTC().Format("2006-01-02"),
		Kickoff:           m.Kickoff,
		HomeTeam:          m.HomeTeam,
		AwayTeam:          m.AwayTeam,
		FullTimeHomeGoals: m.FullTimeHomeGoals,
		FullTimeAwayGoals: m.FullTimeAwayGoals,
		Result:            m.Result,
		HalfTimeHomeGoals: m.HalfTimeHomeGoals,
		HalfTimeAwayGoals: m.HalfTimeAwayGoals,
		HalfTimeResult:    m.HalfTimeResult,
		Referee:           m.Referee,
		Attendance:        m.Attendance,
		Stats: []*int{
			m.HomeShots, m.AwayShots,
			m.HomeShotsOnTarget, m.AwayShotsOnTarget,
			m.HomeFouls, m.AwayFouls,
			m.HomeCorners, m.AwayCorners,
			m.HomeYellowCards, m.AwayYellowCards,
			m.HomeRedCards, m.AwayRedCards,
		},
		Odds: []*decimal.Decimal{
			nullable(m.OddsHome), nullable(m.OddsDraw), nullable(m.OddsAway),
			nullable(m.AvgOddsHome), nullable(m.AvgOddsDraw), nullable(m.AvgOddsAway),
		},
		Extras: map[string]string(m.Extras),
	}

	raw, err := sonic.Marshal(&v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// nullable maps an absent decimal to JSON null. Present decimals encode via
// String, which drops trailing zeros, so 4.00 and 4 hash alike.
func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}
