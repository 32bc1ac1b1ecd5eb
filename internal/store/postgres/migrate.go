package postgres

import (
	"context"
	"embed"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema. Every statement is idempotent,
// so running it on boot is safe.
func (s *Store) Migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}
