// Package clean turns merged rows into canonical match records, routing
// every row it cannot accept to a rejects sink.
package clean

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/merge"
	"github.com/socascores/ingester/internal/models"
	"github.com/socascores/ingester/internal/schema"
)

// Config is the immutable policy of one cleaning run.
type Config struct {
	Dictionary  *Dictionary
	DateLayouts []string
}

// SeasonCounts is the per season breakdown of a run.
type SeasonCounts struct {
	RowsIn   int `json:"rows_in"`
	Cleaned  int `json:"cleaned"`
	Rejected int `json:"rejected"`
}

// Report summarizes a cleaning run. RowsIn always equals Cleaned + Rejected.
type Report struct {
	RowsIn                 int                       `json:"rows_in"`
	Cleaned                int                       `json:"cleaned"`
	Rejected               int                       `json:"rejected"`
	RejectsByReason        map[models.ReasonCode]int `json:"rejects_by_reason"`
	Conflicts              int                       `json:"conflicts"`
	SourceResultMismatches int                       `json:"source_result_mismatches"`
	NegativeStatsNulled    int                       `json:"negative_stats_nulled"`
	Seasons                map[string]*SeasonCounts  `json:"seasons"`
}

// Result is the output of Clean.
type Result struct {
	SchemaVersion string                  `json:"schema_version"`
	Records       []*models.MatchRecord   `json:"records"`
	Rejects       []*models.MatchReject   `json:"rejects"`
	Conflicts     []*models.MatchConflict `json:"conflicts"`
	Report        Report                  `json:"report"`
}

// Cleaner applies, in order: team resolution, date parsing, goal
// validation, result derivation, key derivation and deduplication.
type Cleaner struct {
	dict    *Dictionary
	layouts []string
	logger  *logging.Logger
	now     func() time.Time
}

func NewCleaner(cfg Config, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.Default()
	}
	dict := cfg.Dictionary
	if dict == nil {
		dict = DefaultDictionary(false)
	}
	layouts := cfg.DateLayouts
	if len(layouts) == 0 {
		layouts = schema.Default().DateLayouts()
	}
	return &Cleaner{
		dict:    dict,
		layouts: append([]string(nil), layouts...),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type rowError struct {
	reason models.ReasonCode
	detail string
}

type candidate struct {
	record *models.MatchRecord
	raw    models.StringMap
}

// Clean processes ds. It never fails: bad rows become rejects.
func (c *Cleaner) Clean(ds *merge.Dataset) *Result {
	res := &Result{
		SchemaVersion: ds.SchemaVersion,
		Records:       []*models.MatchRecord{},
		Rejects:       []*models.MatchReject{},
		Conflicts:     []*models.MatchConflict{},
		Report: Report{
			RejectsByReason: make(map[models.ReasonCode]int),
			Seasons:         make(map[string]*SeasonCounts),
		},
	}

	var winners []*candidate
	byKey := make(map[string]int)

	for _, row := range ds.Rows {
		res.Report.RowsIn++
		season := c.season(res, row.Provenance.Season())
		season.RowsIn++

		raw := rawValues(row)
		rec, rerr := c.buildRecord(row, ds.SchemaVersion, &res.Report)
		if rerr != nil {
			c.reject(res, row.Provenance, raw, nil, rerr.reason, rerr.detail)
			continue
		}

		cand := &candidate{record: rec, raw: raw}
		i, dup := byKey[rec.MatchKey]
		if !dup {
			byKey[rec.MatchKey] = len(winners)
			winners = append(winners, cand)
			continue
		}

		kept, discarded := winners[i], cand
		if cand.record.FresherThan(winners[i].record) {
			kept, discarded = cand, winners[i]
			winners[i] = cand
		}
		c.supersede(res, kept.record, discarded)
	}

	for _, w := range winners {
		res.Records = append(res.Records, w.record)
		res.Report.Cleaned++
		c.season(res, w.record.Season()).Cleaned++
	}
	res.Report.Rejected = len(res.Rejects)
	res.Report.Conflicts = len(res.Conflicts)

	c.logger.Info("clean finished",
		"rows_in", res.Report.RowsIn,
		"cleaned", res.Report.Cleaned,
		"rejected", res.Report.Rejected,
		"conflicts", res.Report.Conflicts,
		"source_result_mismatches", res.Report.SourceResultMismatches,
	)
	if res.Report.SourceResultMismatches > 0 {
		c.logger.Warn("source result column disagreed with goals; derived result kept",
			"rows", res.Report.SourceResultMismatches)
	}
	return res
}

func (c *Cleaner) season(res *Result, key models.SeasonKey) *SeasonCounts {
	counts, ok := res.Report.Seasons[key.String()]
	if !ok {
		counts = &SeasonCounts{}
		res.Report.Seasons[key.String()] = counts
	}
	return counts
}

func (c *Cleaner) reject(res *Result, p merge.Provenance, raw models.StringMap, matchKey *string, reason models.ReasonCode, detail string) {
	res.Rejects = append(res.Rejects, &models.MatchReject{
		LeagueID:         p.LeagueID,
		SeasonID:         p.SeasonID,
		SourceArtifactID: p.ArtifactID,
		SourceRow:        p.RowNumber,
		Reason:           reason,
		Detail:           detail,
		MatchKey:         matchKey,
		FetchedAt:        p.FetchedAt,
		RawValues:        raw,
	})
	res.Report.RejectsByReason[reason]++
	c.season(res, p.Season()).Rejected++
}

// supersede quarantines the losing duplicate and, when its values differ
// from the winner's, logs a conflict.
func (c *Cleaner) supersede(res *Result, kept *models.MatchRecord, discarded *candidate) {
	lost := discarded.record
	key := lost.MatchKey
	p := merge.Provenance{
		LeagueID:   lost.LeagueID,
		SeasonID:   lost.SeasonID,
		ArtifactID: lost.SourceArtifactID,
		FetchedAt:  lost.FetchedAt,
		RowNumber:  lost.SourceRow,
	}
	c.reject(res, p, discarded.raw, &key, models.ReasonDuplicateSuperseded,
		fmt.Sprintf("superseded by artifact %s row %d", kept.SourceArtifactID, kept.SourceRow))

	if lost.ContentHash == kept.ContentHash {
		return
	}
	keptID := kept.SourceArtifactID
	keptAt := kept.FetchedAt
	res.Conflicts = append(res.Conflicts, &models.MatchConflict{
		MatchKey:            key,
		LeagueID:            lost.LeagueID,
		SeasonID:            lost.SeasonID,
		Reason:              models.ConflictSupersededInBatch,
		KeptArtifactID:      &keptID,
		KeptFetchedAt:       &keptAt,
		DiscardedArtifactID: lost.SourceArtifactID,
		DiscardedFetchedAt:  lost.FetchedAt,
		DiscardedRow:        lost.SourceRow,
		DiscardedValues:     EncodeValues(lost),
		CreatedAt:           c.now(),
	})
}

func (c *Cleaner) buildRecord(row merge.TaggedRow, schemaVersion string, report *Report) (*models.MatchRecord, *rowError) {
	p := row.Provenance

	// Rule 1: teams.
	rawHome := row.Values[schema.FieldHomeTeam].Raw
	rawAway := row.Values[schema.FieldAwayTeam].Raw
	if strings.TrimSpace(rawHome) == "" || strings.TrimSpace(rawAway) == "" {
		return nil, &rowError{models.ReasonMissingTeam, "home or away team is empty"}
	}
	home, ok := c.dict.Resolve(rawHome)
	if !ok {
		return nil, &rowError{models.ReasonUnknownTeam, fmt.Sprintf("unknown team %q", home)}
	}
	away, ok := c.dict.Resolve(rawAway)
	if !ok {
		return nil, &rowError{models.ReasonUnknownTeam, fmt.Sprintf("unknown team %q", away)}
	}
	if strings.EqualFold(home, away) {
		return nil, &rowError{models.ReasonSameTeam, fmt.Sprintf("%q plays itself", home)}
	}

	// Rule 2: date.
	rawDate := strings.TrimSpace(row.Values[schema.FieldDate].Raw)
	if rawDate == "" {
		return nil, &rowError{models.ReasonMissingDate, "date is empty"}
	}
	date, err := schema.ParseDate(rawDate, c.layouts)
	if err != nil {
		return nil, &rowError{models.ReasonInvalidDate, err.Error()}
	}

	// Rule 3: goals.
	homeGoals, rerr := goals(row.Values[schema.FieldFullTimeHomeGoals], "home")
	if rerr != nil {
		return nil, rerr
	}
	awayGoals, rerr := goals(row.Values[schema.FieldFullTimeAwayGoals], "away")
	if rerr != nil {
		return nil, rerr
	}

	// Rule 4: result.
	result := models.DeriveResult(homeGoals, awayGoals)
	if src := strings.ToUpper(strings.TrimSpace(row.Values[schema.FieldFullTimeResult].Raw)); src != "" && src != string(result) {
		report.SourceResultMismatches++
	}

	// Rule 5: key.
	rec := &models.MatchRecord{
		MatchKey:          MatchKey(p.LeagueID, p.SeasonID, date, home, away),
		LeagueID:          p.LeagueID,
		SeasonID:          p.SeasonID,
		MatchDate:         date,
		HomeTeam:          home,
		AwayTeam:          away,
		FullTimeHomeGoals: homeGoals,
		FullTimeAwayGoals: awayGoals,
		Result:            result,
		Month:             date.Month().String(),
		Year:              date.Year(),
		Weekday:           date.Weekday().String(),
		Extras:            models.StringMap{},
		SourceArtifactID:  p.ArtifactID,
		FetchedAt:         p.FetchedAt,
		SourceRow:         p.RowNumber,
		SchemaVersion:     schemaVersion,
	}
	for k, v := range row.Extras {
		rec.Extras[k] = v
	}

	c.fillOptional(rec, row.Values, report)

	hash, err := ContentHash(rec)
	if err != nil {
		return nil, &rowError{models.ReasonInvalidRecord, fmt.Sprintf("hash record: %v", err)}
	}
	rec.ContentHash = hash
	if err := rec.Validate(); err != nil {
		return nil, &rowError{models.ReasonInvalidRecord, err.Error()}
	}
	return rec, nil
}

func goals(v schema.Value, side string) (int, *rowError) {
	if v.IsNull() {
		return 0, &rowError{models.ReasonMissingGoals, side + " goals are empty"}
	}
	n := v.Int
	if n == nil {
		coerced, err := schema.Coerce(schema.TypeInt, v.Raw)
		if err != nil || coerced.Int == nil {
			return 0, &rowError{models.ReasonInvalidGoals, fmt.Sprintf("%s goals %q are not an integer", side, v.Raw)}
		}
		n = coerced.Int
	}
	if *n < 0 {
		return 0, &rowError{models.ReasonNegativeGoals, fmt.Sprintf("%s goals are negative (%d)", side, *n)}
	}
	return *n, nil
}

func (c *Cleaner) fillOptional(rec *models.MatchRecord, values map[string]schema.Value, report *Report) {
	text := func(field string) *string {
		v := values[field]
		if v.IsNull() {
			return nil
		}
		s := strings.Join(strings.Fields(v.Raw), " ")
		return &s
	}
	count := func(field string) *int {
		v := values[field]
		if v.Int == nil {
			return nil
		}
		if *v.Int < 0 {
			report.NegativeStatsNulled++
			return nil
		}
		n := *v.Int
		return &n
	}
	odds := func(field string) decimal.NullDecimal {
		v := values[field]
		if v.Decimal == nil || !v.Decimal.IsPositive() {
			return decimal.NullDecimal{}
		}
		return decimal.NewNullDecimal(*v.Decimal)
	}

	rec.Kickoff = text(schema.FieldKickoff)
	rec.Referee = text(schema.FieldReferee)
	rec.Attendance = count(schema.FieldAttendance)

	rec.HalfTimeHomeGoals = count(schema.FieldHalfTimeHomeGoals)
	rec.HalfTimeAwayGoals = count(schema.FieldHalfTimeAwayGoals)
	if rec.HalfTimeHomeGoals != nil && rec.HalfTimeAwayGoals != nil {
		htr := models.DeriveResult(*rec.HalfTimeHomeGoals, *rec.HalfTimeAwayGoals)
		rec.HalfTimeResult = &htr
	}

	rec.HomeShots = count("home_shots")
	rec.AwayShots = count("away_shots")
	rec.HomeShotsOnTarget = count("home_shots_on_target")
	rec.AwayShotsOnTarget = count("away_shots_on_target")
	rec.HomeFouls = count("home_fouls")
	rec.AwayFouls = count("away_fouls")
	rec.HomeCorners = count("home_corners")
	rec.AwayCorners = count("away_corners")
	rec.HomeYellowCards = count("home_yellow_cards")
	rec.AwayYellowCards = count("away_yellow_cards")
	rec.HomeRedCards = count("home_red_cards")
	rec.AwayRedCards = count("away_red_cards")

	rec.OddsHome = odds("odds_home")
	rec.OddsDraw = odds("odds_draw")
	rec.OddsAway = odds("odds_away")
	rec.AvgOddsHome = odds("avg_odds_home")
	rec.AvgOddsDraw = odds("avg_odds_draw")
	rec.AvgOddsAway = odds("avg_odds_away")
}

// rawValues flattens a row back to raw text for the rejects sink.
func rawValues(row merge.TaggedRow) models.StringMap {
	out := make(models.StringMap, len(row.Values)+len(row.Extras))
	for field, v := range row.Values {
		if v.Raw != "" {
			out[field] = v.Raw
		}
	}
	for k, v := range row.Extras {
		out[k] = v
	}
	return out
}

// EncodeValues renders a record as JSON for the conflict log.
func EncodeValues(m *models.MatchRecord) string {
	b, err := sonic.ConfigStd.Marshal(m)
	if err != nil {
		return fmt.Sprintf(`{"match_key":%q,"error":%q}`, m.MatchKey, err.Error())
	}
	return string(b)
}

// SortedReasons lists reject reasons with their counts in a stable order.
func (r Report) SortedReasons() []string {
	out := make([]string, 0, len(r.RejectsByReason))
	for reason, n := range r.RejectsByReason {
		out = append(out, fmt.Sprintf("%s=%d", reason, n))
	}
	sort.Strings(out)
	return out
}
