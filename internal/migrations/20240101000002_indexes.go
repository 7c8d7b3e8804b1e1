package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"CREATE INDEX IF NOT EXISTS idx_match_records_season ON match_records(league_id, season_id)",
			"CREATE INDEX IF NOT EXISTS idx_match_records_date ON match_records(match_date)",
			"CREATE INDEX IF NOT EXISTS idx_match_records_teams ON match_records(home_team, away_team)",
			"CREATE INDEX IF NOT EXISTS idx_match_rejects_season ON match_rejects(league_id, season_id)",
			"CREATE INDEX IF NOT EXISTS idx_match_conflicts_key ON match_conflicts(match_key)",
			"CREATE INDEX IF NOT EXISTS idx_raw_artifacts_season ON raw_artifacts(league_id, season_id, fetched_at)",
		}

		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		indexes := []string{
			"DROP INDEX IF EXISTS idx_match_records_season",
			"DROP INDEX IF EXISTS idx_match_records_date",
			"DROP INDEX IF EXISTS idx_match_records_teams",
			"DROP INDEX IF EXISTS idx_match_rejects_season",
			"DROP INDEX IF EXISTS idx_match_conflicts_key",
			"DROP INDEX IF EXISTS idx_raw_artifacts_season",
		}

		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return err
			}
		}

		return nil
	})
}
