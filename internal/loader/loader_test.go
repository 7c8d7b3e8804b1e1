package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/clean"
	"github.com/socascores/ingester/internal/database"
	"github.com/socascores/ingester/internal/ingesterr"
	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/migrations"
	"github.com/socascores/ingester/internal/models"
	"github.com/socascores/ingester/internal/repositories"
)

var (
	season2021 = models.SeasonKey{LeagueID: "E0", SeasonID: "2021"}
	season2022 = models.SeasonKey{LeagueID: "E0", SeasonID: "2022"}
	t0         = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
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

func newLoader(db *bun.DB) *Loader {
	return NewLoader(db, Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, logging.NewNop())
}

func match(season models.SeasonKey, home, away string, hg, ag int, fetched time.Time, artifactID string) *models.MatchRecord {
	date := time.Date(2021, 8, 14, 0, 0, 0, 0, time.UTC)
	if season.SeasonID == "2022" {
		date = date.AddDate(1, 0, -8)
	}
	m := &models.MatchRecord{
		MatchKey:          clean.MatchKey(season.LeagueID, season.SeasonID, date, home, away),
		LeagueID:          season.LeagueID,
		SeasonID:          season.SeasonID,
		MatchDate:         date,
		HomeTeam:          home,
		AwayTeam:          away,
		FullTimeHomeGoals: hg,
		FullTimeAwayGoals: ag,
		Result:            models.DeriveResult(hg, ag),
		Month:             date.Month().String(),
		Year:              date.Year(),
		Weekday:           date.Weekday().String(),
		SourceArtifactID:  artifactID,
		FetchedAt:         fetched,
		SourceRow:         1,
		SchemaVersion:     "1",
	}
	hash, err := clean.ContentHash(m)
	if err != nil {
		panic(err)
	}
	m.ContentHash = hash
	return m
}

func reject(season models.SeasonKey, artifactID string, row int) *models.MatchReject {
	return &models.MatchReject{
		LeagueID:         season.LeagueID,
		SeasonID:         season.SeasonID,
		SourceArtifactID: artifactID,
		SourceRow:        row,
		Reason:           models.ReasonUnknownTeam,
		Detail:           "unknown team \"Man Utd FC\"",
		FetchedAt:        t0,
		RawValues:        models.StringMap{"HomeTeam": "Man Utd FC"},
	}
}

func TestLoadSeasonIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := newLoader(db)

	batch := Batch{
		Season: season2021,
		Records: []*models.MatchRecord{
			match(season2021, "Manchester United", "Leeds United", 5, 1, t0, "01A"),
			match(season2021, "Burnley", "Brighton", 1, 2, t0, "01A"),
		},
		Rejects: []*models.MatchReject{reject(season2021, "01A", 7)},
	}

	first, err := l.LoadSeason(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, Report{Inserted: 2}, first)

	second, err := l.LoadSeason(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, Report{Unchanged: 2}, second)

	n, err := repositories.CountMatches(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rejects, err := repositories.CountRejects(ctx, db, season2021)
	require.NoError(t, err)
	assert.Equal(t, 1, rejects)
}

func TestLoadSeasonFreshnessWins(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := newLoader(db)

	original := match(season2021, "Manchester United", "Leeds United", 5, 1, t0, "01A")
	_, err := l.LoadSeason(ctx, Batch{Season: season2021, Records: []*models.MatchRecord{original}})
	require.NoError(t, err)

	corrected := match(season2021, "Manchester United", "Leeds United", 5, 2, t0.Add(24*time.Hour), "01B")
	rep, err := l.LoadSeason(ctx, Batch{Season: season2021, Records: []*models.MatchRecord{corrected}})
	require.NoError(t, err)
	assert.Equal(t, Report{Updated: 1}, rep)

	stale := match(season2021, "Manchester United", "Leeds United", 0, 0, t0.Add(-24*time.Hour), "019")
	rep, err = l.LoadSeason(ctx, Batch{Season: season2021, Records: []*models.MatchRecord{stale}})
	require.NoError(t, err)
	assert.Equal(t, Report{Rejected: 1}, rep)

	stored, err := repositories.GetMatchesByKeys(ctx, db, []string{original.MatchKey})
	require.NoError(t, err)
	got := stored[original.MatchKey]
	require.NotNil(t, got)
	assert.Equal(t, 2, got.FullTimeAwayGoals)
	assert.Equal(t, "01B", got.SourceArtifactID)
	assert.Equal(t, corrected.ContentHash, got.ContentHash)

	conflicts, err := repositories.GetConflicts(ctx, db, original.MatchKey)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)

	assert.Equal(t, models.ConflictOverwritten, conflicts[0].Reason)
	assert.Equal(t, "01A", conflicts[0].DiscardedArtifactID)
	assert.Contains(t, conflicts[0].DiscardedValues, `"full_time_away_goals":1`)
	require.NotNil(t, conflicts[0].KeptArtifactID)
	assert.Equal(t, "01B", *conflicts[0].KeptArtifactID)

	assert.Equal(t, models.ConflictStaleIncoming, conflicts[1].Reason)
	assert.Equal(t, "019", conflicts[1].DiscardedArtifactID)
	require.NotNil(t, conflicts[1].KeptArtifactID)
	assert.Equal(t, "01B", *conflicts[1].KeptArtifactID)
}

func TestLoadSeasonEqualFetchTimeUpdates(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := newLoader(db)

	_, err := l.LoadSeason(ctx, Batch{Season: season2021, Records: []*models.MatchRecord{
		match(season2021, "Arsenal", "Chelsea", 1, 0, t0, "01A"),
	}})
	require.NoError(t, err)

	rep, err := l.LoadSeason(ctx, Batch{Season: season2021, Records: []*models.MatchRecord{
		match(season2021, "Arsenal", "Chelsea", 1, 1, t0, "01B"),
	}})
	require.NoError(t, err)
	assert.Equal(t, Report{Updated: 1}, rep)
}

// cancelOnInsert cancels the load context right before the first insert
// into match_records for the given season.
type cancelOnInsert struct {
	seasonID string
	cancel   context.CancelFunc
	fired    atomic.Bool
}

func (h *cancelOnInsert) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	q := event.Query
	if strings.HasPrefix(q, `INSERT INTO "match_records"`) && strings.Contains(q, "'"+h.seasonID+"'") {
		if h.fired.CompareAndSwap(false, true) {
			h.cancel()
		}
	}
	return ctx
}

func (h *cancelOnInsert) AfterQuery(context.Context, *bun.QueryEvent) {}

func TestLoadInterruptedSeasonLeavesNoPartialState(t *testing.T) {
	db := openTestDB(t)
	l := newLoader(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hook := &cancelOnInsert{seasonID: "2022", cancel: cancel}
	db.AddQueryHook(hook)

	batches := []Batch{
		{Season: season2021, Records: []*models.MatchRecord{
			match(season2021, "Manchester United", "Leeds United", 5, 1, t0, "01A"),
		}},
		{
			Season: season2022,
			Records: []*models.MatchRecord{
				match(season2022, "Manchester United", "Brighton", 1, 2, t0, "01C"),
				match(season2022, "Brentford", "Manchester United", 4, 0, t0, "01C"),
			},
			Rejects: []*models.MatchReject{reject(season2022, "01C", 3)},
		},
	}

	results, total := l.Load(ctx, batches)
	require.True(t, hook.fired.Load())
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	assert.True(t, ingesterr.IsLoadFailure(results[1].Err))

	var loadErr *LoadError
	require.True(t, errors.As(results[1].Err, &loadErr))
	assert.Equal(t, "2022", loadErr.Season)
	assert.Equal(t, Report{Inserted: 1}, total)

	bg := context.Background()
	committed, err := repositories.GetSeasonMatches(bg, db, season2021)
	require.NoError(t, err)
	assert.Len(t, committed, 1)

	partial, err := repositories.GetSeasonMatches(bg, db, season2022)
	require.NoError(t, err)
	assert.Empty(t, partial)

	rejects, err := repositories.CountRejects(bg, db, season2022)
	require.NoError(t, err)
	assert.Zero(t, rejects)
}

// countInserts counts INSERT statements against one table.
type countInserts struct {
	table string
	n     atomic.Int32
}

func (h *countInserts) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	if strings.HasPrefix(event.Query, `INSERT INTO "`+h.table+`"`) {
		h.n.Add(1)
	}
	return ctx
}

func (h *countInserts) AfterQuery(context.Context, *bun.QueryEvent) {}

func supersededConflict(kept *models.MatchRecord, discardedArtifact string, row int) *models.MatchConflict {
	keptID := kept.SourceArtifactID
	keptAt := kept.FetchedAt
	return &models.MatchConflict{
		MatchKey:            kept.MatchKey,
		LeagueID:            kept.LeagueID,
		SeasonID:            kept.SeasonID,
		Reason:              models.ConflictSupersededInBatch,
		KeptArtifactID:      &keptID,
		KeptFetchedAt:       &keptAt,
		DiscardedArtifactID: discardedArtifact,
		DiscardedFetchedAt:  kept.FetchedAt.Add(-time.Hour),
		DiscardedRow:        row,
		DiscardedValues:     `{"full_time_home_goals":4}`,
	}
}

func TestLoadSeasonRetriesTransientFailureAsUnit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := newLoader(db)

	inserts := &countInserts{table: "match_records"}
	db.AddQueryHook(inserts)

	var inTx []int
	l.beforeCommit = func(ctx context.Context, tx bun.Tx) error {
		n, err := tx.NewSelect().Model((*models.MatchRecord)(nil)).Count(ctx)
		if err != nil {
			return err
		}
		inTx = append(inTx, n)
		if len(inTx) == 1 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	}

	mu := match(season2021, "Manchester United", "Leeds United", 5, 1, t0, "01A")
	batch := Batch{
		Season: season2021,
		Records: []*models.MatchRecord{
			mu,
			match(season2021, "Burnley", "Brighton", 1, 2, t0, "01A"),
		},
		Rejects:   []*models.MatchReject{reject(season2021, "01A", 7)},
		Conflicts: []*models.MatchConflict{supersededConflict(mu, "019", 3)},
	}

	rep, err := l.LoadSeason(ctx, batch)
	require.NoError(t, err)
	// The retry starts from an empty season, so the first attempt left nothing.
	assert.Equal(t, Report{Inserted: 2}, rep)
	assert.Equal(t, []int{2, 2}, inTx)
	assert.Equal(t, int32(2), inserts.n.Load())

	n, err := repositories.CountMatches(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rejects, err := repositories.CountRejects(ctx, db, season2021)
	require.NoError(t, err)
	assert.Equal(t, 1, rejects)

	conflicts, err := repositories.GetConflicts(ctx, db, mu.MatchKey)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestLoadSeasonGivesUpOnPersistentLock(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := newLoader(db)

	attempts := 0
	l.beforeCommit = func(context.Context, bun.Tx) error {
		attempts++
		return errors.New("database is locked")
	}

	_, err := l.LoadSeason(ctx, Batch{Season: season2021, Records: []*models.MatchRecord{
		match(season2021, "Arsenal", "Chelsea", 1, 0, t0, "01A"),
	}})
	require.Error(t, err)
	assert.True(t, ingesterr.IsLoadFailure(err))
	assert.Equal(t, 2, attempts)

	n, err := repositories.CountMatches(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadSeasonConflictsAreNotDuplicated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := newLoader(db)

	kept := match(season2021, "Arsenal", "Chelsea", 1, 0, t0, "01B")
	batch := Batch{
		Season:    season2021,
		Records:   []*models.MatchRecord{kept},
		Conflicts: []*models.MatchConflict{supersededConflict(kept, "01A", 2)},
	}

	_, err := l.LoadSeason(ctx, batch)
	require.NoError(t, err)
	rep, err := l.LoadSeason(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, Report{Unchanged: 1}, rep)

	conflicts, err := repositories.GetConflicts(ctx, db, kept.MatchKey)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictSupersededInBatch, conflicts[0].Reason)
}

func TestLoadSeasonRejectsDuplicateKeys(t *testing.T) {
	db := openTestDB(t)
	l := newLoader(db)

	m := match(season2021, "Arsenal", "Chelsea", 1, 0, t0, "01A")
	_, err := l.LoadSeason(context.Background(), Batch{Season: season2021, Records: []*models.MatchRecord{m, m}})
	require.Error(t, err)
	assert.True(t, ingesterr.IsLoadFailure(err))
	assert.True(t, ingesterr.Is(err, ingesterr.ErrInvalidInput))
}

func TestRetractArchivesSeason(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	l := newLoader(db)

	m := match(season2021, "Arsenal", "Chelsea", 1, 0, t0, "01A")
	_, err := l.LoadSeason(ctx, Batch{Season: season2021, Records: []*models.MatchRecord{
		m,
		match(season2021, "Everton", "Fulham", 2, 2, t0, "01A"),
	}})
	require.NoError(t, err)

	n, err := l.Retract(ctx, season2021)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := repositories.GetSeasonMatches(ctx, db, season2021)
	require.NoError(t, err)
	assert.Empty(t, left)

	conflicts, err := repositories.GetConflicts(ctx, db, m.MatchKey)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictRetracted, conflicts[0].Reason)
	assert.Nil(t, conflicts[0].KeptArtifactID)

	n, err = l.Retract(ctx, season2021)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBatchesGroupsBySeason(t *testing.T) {
	res := &clean.Result{
		Records: []*models.MatchRecord{
			match(season2022, "Brentford", "Arsenal", 2, 0, t0, "01C"),
			match(season2021, "Arsenal", "Chelsea", 1, 0, t0, "01A"),
		},
		Rejects: []*models.MatchReject{reject(season2022, "01C", 4)},
		Conflicts: []*models.MatchConflict{{
			MatchKey: "k", LeagueID: "E0", SeasonID: "2021", Reason: models.ConflictSupersededInBatch,
		}},
	}

	batches := Batches(res)
	require.Len(t, batches, 2)
	assert.Equal(t, season2021, batches[0].Season)
	assert.Len(t, batches[0].Records, 1)
	assert.Len(t, batches[0].Conflicts, 1)
	assert.Equal(t, season2022, batches[1].Season)
	assert.Len(t, batches[1].Rejects, 1)
}

func TestIsTransientStoreError(t *testing.T) {
	assert.True(t, isTransientStoreError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, isTransientStoreError(errors.New("pq: deadlock detected")))
	assert.False(t, isTransientStoreError(errors.New("UNIQUE constraint failed")))
	assert.False(t, isTransientStoreError(fmt.Errorf("insert: %w", context.Canceled)))
}
