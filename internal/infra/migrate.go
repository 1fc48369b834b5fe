package infra

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies (direction "up") or rolls back one step of (direction
// "down") the embedded schema migrations. "status" only logs the state.
func Migrate(ctx context.Context, databaseURL, direction string, logger Logger) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	switch direction {
	case "", "up":
		results, err := provider.Up(ctx)
		for _, res := range results {
			logger.Info().Str("migration", res.Source.Path).Dur("took", res.Duration).Msg("migrate: applied")
		}
		return err
	case "down":
		res, err := provider.Down(ctx)
		if res != nil {
			logger.Info().Str("migration", res.Source.Path).Msg("migrate: rolled back")
		}
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			logger.Info().Str("migration", st.Source.Path).Str("state", string(st.State)).Msg("migrate: status")
		}
		return nil
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
}
