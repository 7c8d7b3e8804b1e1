package repositories

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/database"
	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/migrations"
	"github.com/socascores/ingester/internal/models"
)

func openTestDB(t *testing.T) *bun.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.NewDB(database.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.RunMigrations(context.Background(), db, logging.NewNop()))
	return db
}

func record(key, home, away string, hg, ag int) *models.MatchRecord {
	return &models.MatchRecord{
		MatchKey:          key,
		LeagueID:          "E0",
		SeasonID:          "2021",
		MatchDate:         time.Date(2021, 8, 14, 0, 0, 0, 0, time.UTC),
		HomeTeam:          home,
		AwayTeam:          away,
		FullTimeHomeGoals: hg,
		FullTimeAwayGoals: ag,
		Result:            models.DeriveResult(hg, ag),
		Month:             "August",
		Year:              2021,
		Weekday:           "Saturday",
		SourceArtifactID:  "01ART",
		FetchedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		SourceRow:         1,
		SchemaVersion:     "1",
		ContentHash:       "h-" + key,
	}
}

func TestInsertAndGetMatchesByKeys(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, InsertMatches(ctx, db, []*models.MatchRecord{
		record("k1", "Arsenal", "Chelsea", 2, 0),
		record("k2", "Everton", "Fulham", 1, 1),
	}))

	found, err := GetMatchesByKeys(ctx, db, []string{"k1", "k2", "missing"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Arsenal", found["k1"].HomeTeam)
	assert.Equal(t, models.ResultDraw, found["k2"].Result)

	n, err := CountMatches(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdateMatch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, InsertMatches(ctx, db, []*models.MatchRecord{record("k1", "Arsenal", "Chelsea", 2, 0)}))

	updated := record("k1", "Arsenal", "Chelsea", 2, 2)
	updated.ContentHash = "h-new"
	require.NoError(t, UpdateMatch(ctx, db, updated))

	found, err := GetMatchesByKeys(ctx, db, []string{"k1"})
	require.NoError(t, err)
	assert.Equal(t, 2, found["k1"].FullTimeAwayGoals)
	assert.Equal(t, models.ResultDraw, found["k1"].Result)
	assert.Equal(t, "h-new", found["k1"].ContentHash)
	assert.False(t, found["k1"].UpdatedAt.IsZero())
}

func TestUpdateMatchKeepsGivenTimestamp(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, InsertMatches(ctx, db, []*models.MatchRecord{record("k1", "Arsenal", "Chelsea", 2, 0)}))

	stamp := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	updated := record("k1", "Arsenal", "Chelsea", 3, 0)
	updated.UpdatedAt = stamp
	require.NoError(t, UpdateMatch(ctx, db, updated))

	found, err := GetMatchesByKeys(ctx, db, []string{"k1"})
	require.NoError(t, err)
	assert.Equal(t, 3, found["k1"].FullTimeHomeGoals)
	assert.True(t, stamp.Equal(found["k1"].UpdatedAt), "updated_at = %s", found["k1"].UpdatedAt)
}

func TestInsertRejectsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	reject := func() *models.MatchReject {
		return &models.MatchReject{
			LeagueID:         "E0",
			SeasonID:         "2021",
			SourceArtifactID: "01ART",
			SourceRow:        7,
			Reason:           models.ReasonUnknownTeam,
			Detail:           `unknown team "Atlantis"`,
			FetchedAt:        time.Now().UTC(),
			RawValues:        models.StringMap{"HomeTeam": "Atlantis"},
		}
	}

	n, err := InsertRejects(ctx, db, []*models.MatchReject{reject()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = InsertRejects(ctx, db, []*models.MatchReject{reject()})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	count, err := CountRejects(ctx, db, models.SeasonKey{LeagueID: "E0", SeasonID: "2021"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteSeasonMatches(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	other := record("k3", "Leeds United", "Burnley", 0, 1)
	other.SeasonID = "2022"
	require.NoError(t, InsertMatches(ctx, db, []*models.MatchRecord{
		record("k1", "Arsenal", "Chelsea", 2, 0),
		record("k2", "Everton", "Fulham", 1, 1),
		other,
	}))

	removed, err := DeleteSeasonMatches(ctx, db, models.SeasonKey{LeagueID: "E0", SeasonID: "2021"})
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	left, err := ListMatches(ctx, db)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "k3", left[0].MatchKey)
}

func TestRegisterArtifactTwice(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	artifact := &models.RawArtifact{
		ID:          "01ART",
		LeagueID:    "E0",
		SeasonID:    "2021",
		SourceURL:   "https://example.test/E0.csv",
		FetchedAt:   time.Now().UTC(),
		RawColumns:  models.StringArray{"Div", "Date"},
		RowCount:    3,
		StoragePath: "raw/E0/2021/x.csv",
		ContentHash: "abc",
		SizeBytes:   10,
		Encoding:    "utf-8",
	}
	require.NoError(t, RegisterArtifact(ctx, db, artifact))
	require.NoError(t, RegisterArtifact(ctx, db, artifact))

	n, err := db.NewSelect().Model((*models.RawArtifact)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	run := &models.IngestRun{RunID: "run-1", StartTime: time.Now().UTC(), Outcome: models.OutcomeFailed}
	require.NoError(t, InsertRun(ctx, db, run))

	end := time.Now().UTC()
	run.EndTime = &end
	run.Outcome = models.OutcomeClean
	run.RowsInserted = 10
	require.NoError(t, FinishRun(ctx, db, run))

	got, err := GetRun(ctx, db, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeClean, got.Outcome)
	assert.Equal(t, 10, got.RowsInserted)
	assert.NotNil(t, got.EndTime)
}
