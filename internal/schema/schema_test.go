package schema

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socascores/ingester/internal/artifact"
	"github.com/socascores/ingester/internal/ingesterr"
	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/models"
)

func testMeta() *models.RawArtifact {
	return &models.RawArtifact{
		ID:        "01HART",
		LeagueID:  "E0",
		SeasonID:  "2021",
		SourceURL: "https://example.test/E0.csv",
		FetchedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newReconciler(policy Policy) *Reconciler {
	return NewReconciler(Default(), policy, logging.NewNop())
}

func TestDefaultSchema(t *testing.T) {
	s := Default()
	assert.Equal(t, "1", s.Version())
	assert.ElementsMatch(t,
		[]string{FieldDate, FieldHomeTeam, FieldAwayTeam, FieldFullTimeHomeGoals, FieldFullTimeAwayGoals},
		s.RequiredFields())

	f, ok := s.Field("FULL_TIME_HOME_GOALS")
	require.True(t, ok)
	assert.Equal(t, TypeInt, f.Type)
}

func TestLoadRejectsBadSchemas(t *testing.T) {
	_, err := Load([]byte("fields: []\n"))
	assert.Error(t, err, "missing version")

	_, err = Load([]byte("version: x\nfields:\n  - name: date\n    type: timestamp\n"))
	assert.Error(t, err, "unknown type")

	_, err = Load([]byte("version: x\nfields:\n  - name: date\n    type: date\n"))
	assert.Error(t, err, "missing core fields")
}

func TestBindPrecedence(t *testing.T) {
	s := Default()
	bindings := Bind(s, []string{"\ufeffDiv", " Home Team ", "HomeTeam", "away_team", "FTHG", "", "Mystery", "Mystery", "HG"})

	require.Len(t, bindings, 9)
	div, ok := bindings[0].(ResolvedField)
	require.True(t, ok)
	assert.Equal(t, FieldDivision, div.Field.Name)

	home, ok := bindings[1].(ResolvedField)
	require.True(t, ok, "whitespace-insensitive synonym")
	assert.Equal(t, FieldHomeTeam, home.Field.Name)

	dup, ok := bindings[2].(ExtraColumn)
	require.True(t, ok, "second home team column stays an extra")
	assert.Equal(t, "HomeTeam", dup.RawName())

	assert.IsType(t, ResolvedField{}, bindings[3])
	assert.Equal(t, "column_6", bindings[5].RawName())
	assert.Equal(t, "Mystery", bindings[6].RawName())
	assert.Equal(t, "Mystery_2", bindings[7].RawName())
	assert.IsType(t, ExtraColumn{}, bindings[8], "HG after FTHG is a duplicate")
	assert.Equal(t, 8, bindings[8].Index())
}

func TestReconcileMapsRowsAndExtras(t *testing.T) {
	body := "Div,Date,Time,HomeTeam,AwayTeam,FTHG,FTAG,FTR,B365H,PSH\n" +
		"E0,13/08/2021,20:00,Brentford,Arsenal,2,0,H,4.00,4.10\n" +
		",,,,,,,,,\n" +
		"E0,14/08/2021,12:30,Man United,Leeds,5.0,1,H,1.53,\n"

	set, err := newReconciler(DefaultPolicy()).Reconcile(testMeta(), strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, "1", set.SchemaVersion)
	assert.Equal(t, 2, set.Report.Rows)
	assert.Equal(t, 1, set.Report.BlankRows)
	assert.Equal(t, []string{"PSH"}, set.Report.UnmatchedRawColumns)
	assert.Equal(t, "FTHG", set.Report.MatchedFields[FieldFullTimeHomeGoals])
	assert.Equal(t, "results+odds", set.Report.Layout)
	assert.Empty(t, set.Report.CoercionFailures)

	first := set.Rows[0]
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, "Brentford", *first.Get(FieldHomeTeam).Text)
	assert.Equal(t, 2, *first.Get(FieldFullTimeHomeGoals).Int)
	assert.Equal(t, "4", first.Get("odds_home").Decimal.String())
	assert.Equal(t, map[string]string{"PSH": "4.10"}, first.Extras)

	second := set.Rows[1]
	assert.Equal(t, 3, second.Number)
	assert.Equal(t, 5, *second.Get(FieldFullTimeHomeGoals).Int, "integral decimal accepted")
	assert.Nil(t, second.Extras)
}

func TestReconcileRecordsCoercionFailures(t *testing.T) {
	body := "Date,HomeTeam,AwayTeam,FTHG,FTAG,HS\n" +
		"13/08/2021,Brentford,Arsenal,two,0,x\n" +
		"14/08/2021,Burnley,Brighton,1,2,10\n" +
		"14/08/2021,Chelsea,Crystal Palace,3,0,\n"

	set, err := newReconciler(DefaultPolicy()).Reconcile(testMeta(), strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, set.Report.CoercionFailures, 2)

	f := set.Report.CoercionFailures[0]
	assert.Equal(t, 1, f.Row)
	assert.Equal(t, "FTHG", f.Column)
	assert.Equal(t, FieldFullTimeHomeGoals, f.Field)
	assert.Equal(t, "two", f.Value)

	v := set.Rows[0].Get(FieldFullTimeHomeGoals)
	assert.Equal(t, "two", v.Raw)
	assert.Nil(t, v.Int)
	assert.True(t, set.Rows[2].Get("home_shots").IsNull())
}

func TestReconcileMissingRequiredField(t *testing.T) {
	body := "Date,HomeTeam,FTHG,FTAG\n13/08/2021,Brentford,2,0\n"

	_, err := newReconciler(DefaultPolicy()).Reconcile(testMeta(), strings.NewReader(body))
	require.Error(t, err)
	assert.True(t, ingesterr.IsStructural(err))

	var recErr *SchemaReconciliationError
	require.True(t, errors.As(err, &recErr))
	assert.Equal(t, []string{FieldAwayTeam}, recErr.MissingFields)
	assert.Equal(t, ReasonMissingFields, recErr.Reason)
}

func TestReconcileFailureRatio(t *testing.T) {
	body := "Date,HomeTeam,AwayTeam,FTHG,FTAG\n" +
		"13/08/2021,A,B,x,0\n" +
		"13/08/2021,C,D,y,0\n" +
		"13/08/2021,E,F,1,0\n"

	_, err := newReconciler(Policy{MaxFailedRowRatio: 0.5}).Reconcile(testMeta(), strings.NewReader(body))
	var recErr *SchemaReconciliationError
	require.True(t, errors.As(err, &recErr))
	assert.Equal(t, ReasonFailureRatioExceeded, recErr.Reason)
	assert.Equal(t, 2, recErr.FailedRows)

	set, err := newReconciler(Policy{MaxFailedRowRatio: 1}).Reconcile(testMeta(), strings.NewReader(body))
	require.NoError(t, err)
	assert.Len(t, set.Rows, 3)
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(TypeInt, " 3 ")
	require.NoError(t, err)
	assert.Equal(t, 3, *v.Int)

	_, err = Coerce(TypeInt, "2.5")
	assert.Error(t, err)

	v, err = Coerce(TypeInt, "")
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	v, err = Coerce(TypeDecimal, "1.91")
	require.NoError(t, err)
	assert.Equal(t, "1.91", v.Decimal.String())

	_, err = Coerce(TypeDecimal, "evens")
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	layouts := Default().DateLayouts()
	for raw, want := range map[string]string{
		"14/08/2021": "2021-08-14",
		"14/08/21":   "2021-08-14",
		"2021-08-14": "2021-08-14",
		"4/8/2001":   "2001-08-04",
	} {
		got, err := ParseDate(raw, layouts)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got.Format("2006-01-02"))
		assert.Equal(t, time.UTC, got.Location())
	}

	_, err := ParseDate("31/02/2021", layouts)
	assert.Error(t, err)
	_, err = ParseDate("", layouts)
	assert.Error(t, err)
}

func TestReconcileAllKeepsOrder(t *testing.T) {
	store := artifact.NewStore(t.TempDir())
	good := models.RawArtifact{LeagueID: "E0", SeasonID: "2021", FetchedAt: time.Now().UTC()}
	bad := models.RawArtifact{LeagueID: "E0", SeasonID: "2022", FetchedAt: time.Now().UTC()}

	a, err := store.Write(good, []byte("Date,HomeTeam,AwayTeam,FTHG,FTAG\n13/08/2021,A,B,1,0\n"))
	require.NoError(t, err)
	b, err := store.Write(bad, []byte("Date,Home\n13/08/2021,A\n"))
	require.NoError(t, err)

	outcomes := newReconciler(DefaultPolicy()).ReconcileAll(context.Background(), []*models.RawArtifact{a, b}, 2)
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, a.ID, outcomes[0].Set.ArtifactID)
	assert.True(t, ingesterr.IsStructural(outcomes[1].Err))
}
