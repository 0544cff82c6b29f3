package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/postgres/migrations"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

// OpenBun opens a bun handle on dsn for schema work.
func OpenBun(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// Migrate applies every pending catalog migration.
func Migrate(ctx context.Context, db *bun.DB) error {
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if group.IsZero() {
		log.Info().Msg("no new migrations")
		return nil
	}
	log.Info().Str("group", group.String()).Msg("migrations applied")
	return nil
}

// Seed upserts questions and session metadata into the catalog tables.
func Seed(ctx context.Context, db *bun.DB, questions []domain.Question, sessions []domain.SessionMeta) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, q := range questions {
			data, err := json.Marshal(q)
			if err != nil {
				return fmt.Errorf("marshal question %s: %w", q.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO questions (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data, updated_at=now()`,
				q.ID, string(data)); err != nil {
				return fmt.Errorf("insert question %s: %w", q.ID, err)
			}
		}
		for _, m := range sessions {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal session %s: %w", m.AccessCode, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO session_meta (access_code, data) VALUES (?, ?::jsonb) ON CONFLICT (access_code) DO UPDATE SET data=EXCLUDED.data, updated_at=now()`,
				m.AccessCode, string(data)); err != nil {
				return fmt.Errorf("insert session %s: %w", m.AccessCode, err)
			}
		}
		log.Info().Int("questions", len(questions)).Int("sessions", len(sessions)).Msg("catalog seeded")
		return nil
	})
}
