package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/models"
)

// RegisterArtifact records a fetched artifact for lineage. Registering the
// same artifact twice is a no-op.
func RegisterArtifact(ctx context.Context, db bun.IDB, artifact *models.RawArtifact) error {
	_, err := db.NewInsert().
		Model(artifact).
		On("CONFLICT (id) DO NOTHING").
		Returning("NULL").
		Exec(ctx)
	return err
}

// InsertRun stores the opening state of an ingest run.
func InsertRun(ctx context.Context, db bun.IDB, run *models.IngestRun) error {
	_, err := db.NewInsert().Model(run).Exec(ctx)
	return err
}

// FinishRun writes the final counters and outcome of a run.
func FinishRun(ctx context.Context, db bun.IDB, run *models.IngestRun) error {
	_, err := db.NewUpdate().
		Model(run).
		Column("end_time", "outcome", "seasons", "rows_fetched", "rows_cleaned",
			"rows_inserted", "rows_updated", "rows_unchanged", "rows_rejected",
			"errors_count", "error_log", "summary").
		Where("run_id = ?", run.RunID).
		Exec(ctx)
	return err
}

// GetRun fetches a run by its public id.
func GetRun(ctx context.Context, db bun.IDB, runID string) (*models.IngestRun, error) {
	run := new(models.IngestRun)
	err := db.NewSelect().Model(run).Where("run_id = ?", runID).Scan(ctx)
	return run, err
}
