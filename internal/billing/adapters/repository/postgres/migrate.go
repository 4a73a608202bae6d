package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/linkflow-ai/subledger/internal/platform/database"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// advisory lock id shared by every migrator of the ledger schema
const migrationLockID = 72_114_001

// Migration is one forward-only schema change
type Migration struct {
	Version  int64
	Name     string
	SQL      string
	Checksum string
}

// LoadMigrations reads NNNN_name.sql files from the migrations directory of fsys
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		base := strings.TrimSuffix(entry.Name(), ".sql")
		prefix, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: expected NNNN_name.sql", entry.Name())
		}
		version, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %s: invalid version: %w", entry.Name(), err)
		}

		content, err := fs.ReadFile(fsys, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", migrations[i].Version)
		}
	}
	return migrations, nil
}

// Migrator applies the ledger schema
type Migrator struct {
	db     *database.DB
	fsys   fs.FS
	logger logger.Logger
}

// NewMigrator creates a migrator over the embedded ledger schema
func NewMigrator(db *database.DB, log logger.Logger) *Migrator {
	return &Migrator{db: db, fsys: embeddedMigrations, logger: log}
}

// WithFS replaces the migration source
func (m *Migrator) WithFS(fsys fs.FS) *Migrator {
	m.fsys = fsys
	return m
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS billing_schema_migrations (
			version BIGINT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	return nil
}

// Up applies every pending migration, each in its own transaction, and
// returns the versions it applied. Applied migrations whose file changed
// are reported as an error.
func (m *Migrator) Up(ctx context.Context) ([]int64, error) {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return nil, err
	}
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}

	var applied []int64
	for _, mig := range migrations {
		ran := false
		err := m.db.Transaction(ctx, func(tx *sql.Tx) error {
			// Serializes concurrent migrators; released on commit
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
				return fmt.Errorf("failed to take migration lock: %w", err)
			}

			var checksum string
			err := tx.QueryRowContext(ctx,
				`SELECT checksum FROM billing_schema_migrations WHERE version = $1`, mig.Version).Scan(&checksum)
			switch {
			case err == nil:
				if checksum != mig.Checksum {
					return fmt.Errorf("migration %d (%s) was modified after being applied", mig.Version, mig.Name)
				}
				return nil
			case err != sql.ErrNoRows:
				return fmt.Errorf("failed to read migration %d: %w", mig.Version, err)
			}

			if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Name, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO billing_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
				mig.Version, mig.Name, mig.Checksum); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, err
		}

		if ran {
			m.logger.Info("Applied migration", "version", mig.Version, "name", mig.Name)
			applied = append(applied, mig.Version)
		}
	}

	return applied, nil
}

// CurrentVersion returns the highest applied version
func (m *Migrator) CurrentVersion(ctx context.Context) (int64, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, err
	}

	var version int64
	err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM billing_schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}
