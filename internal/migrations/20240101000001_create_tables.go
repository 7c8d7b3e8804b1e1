package migrations

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/models"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		modelsList := []interface{}{
			(*models.RawArtifact)(nil),
			(*models.MatchRecord)(nil),
			(*models.MatchReject)(nil),
			(*models.MatchConflict)(nil),
			(*models.IngestRun)(nil),
		}

		for _, model := range modelsList {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		modelsList := []interface{}{
			(*models.IngestRun)(nil),
			(*models.MatchConflict)(nil),
			(*models.MatchReject)(nil),
			(*models.MatchRecord)(nil),
			(*models.RawArtifact)(nil),
		}

		for _, model := range modelsList {
			if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return err
			}
		}

		return nil
	})
}
