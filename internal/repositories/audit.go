package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/models"
)

// InsertConflicts appends conflict-log entries. An entry already logged for
// the same match, reason and discarded row is skipped.
func InsertConflicts(ctx context.Context, db bun.IDB, conflicts []*models.MatchConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	_, err := db.NewInsert().
		Model(&conflicts).
		On("CONFLICT (match_key, reason, discarded_artifact_id, discarded_row) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	return err
}

// InsertRejects persists quarantined rows. A row already stored for the
// same artifact, row number and reason is left untouched.
func InsertRejects(ctx context.Context, db bun.IDB, rejects []*models.MatchReject) (int64, error) {
	if len(rejects) == 0 {
		return 0, nil
	}
	res, err := db.NewInsert().
		Model(&rejects).
		On("CONFLICT (source_artifact_id, source_row, reason) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetConflicts returns conflict-log entries for one match key, oldest first.
func GetConflicts(ctx context.Context, db bun.IDB, matchKey string) ([]*models.MatchConflict, error) {
	var conflicts []*models.MatchConflict
	err := db.NewSelect().
		Model(&conflicts).
		Where("match_key = ?", matchKey).
		Order("id ASC").
		Scan(ctx)
	return conflicts, err
}

// CountRejects returns the number of stored rejects for a season.
func CountRejects(ctx context.Context, db bun.IDB, season models.SeasonKey) (int, error) {
	return db.NewSelect().
		Model((*models.MatchReject)(nil)).
		Where("league_id = ?", season.LeagueID).
		Where("season_id = ?", season.SeasonID).
		Count(ctx)
}
