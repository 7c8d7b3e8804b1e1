package repositories

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/models"
)

// GetMatchesByKeys fetches stored records for the given match keys, indexed by key.
func GetMatchesByKeys(ctx context.Context, db bun.IDB, keys []string) (map[string]*models.MatchRecord, error) {
	out := make(map[string]*models.MatchRecord, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	// SQLite caps bound parameters; chunk large seasons.
	const chunk = 500
	for start := 0; start < len(keys); start += chunk {
		end := min(start+chunk, len(keys))
		var records []*models.MatchRecord
		err := db.NewSelect().
			Model(&records).
			Where("match_key IN (?)", bun.In(keys[start:end])).
			Scan(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			out[r.MatchKey] = r
		}
	}
	return out, nil
}

// GetSeasonMatches returns one season's records ordered by date and key.
func GetSeasonMatches(ctx context.Context, db bun.IDB, season models.SeasonKey) ([]*models.MatchRecord, error) {
	var records []*models.MatchRecord
	err := db.NewSelect().
		Model(&records).
		Where("league_id = ?", season.LeagueID).
		Where("season_id = ?", season.SeasonID).
		Order("match_date ASC", "match_key ASC").
		Scan(ctx)
	return records, err
}

// ListMatches returns all records ordered by league, season, date and key.
func ListMatches(ctx context.Context, db bun.IDB) ([]*models.MatchRecord, error) {
	var records []*models.MatchRecord
	err := db.NewSelect().
		Model(&records).
		Order("league_id ASC", "season_id ASC", "match_date ASC", "match_key ASC").
		Scan(ctx)
	return records, err
}

// CountMatches returns the number of stored records.
func CountMatches(ctx context.Context, db bun.IDB) (int, error) {
	return db.NewSelect().Model((*models.MatchRecord)(nil)).Count(ctx)
}

// InsertMatches inserts new records in one statement.
func InsertMatches(ctx context.Context, db bun.IDB, records []*models.MatchRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := db.NewInsert().Model(&records).Exec(ctx)
	return err
}

// UpdateMatch replaces the stored values of one record, keyed by match_key.
// A zero UpdatedAt is stamped with the current time; updated_at is
// nullzero and would otherwise be written as NULL.
func UpdateMatch(ctx context.Context, db bun.IDB, record *models.MatchRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	_, err := db.NewUpdate().
		Model(record).
		ExcludeColumn("match_key", "created_at").
		WherePK().
		Exec(ctx)
	return err
}

// DeleteSeasonMatches removes a season's records and returns them.
func DeleteSeasonMatches(ctx context.Context, db bun.IDB, season models.SeasonKey) ([]*models.MatchRecord, error) {
	records, err := GetSeasonMatches(ctx, db, season)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	_, err = db.NewDelete().
		Model((*models.MatchRecord)(nil)).
		Where("league_id = ?", season.LeagueID).
		Where("season_id = ?", season.SeasonID).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}
