package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/dbpg"

	"enrollsync/internal/store"
)

// Repository is the Postgres home of the local enrollment cache entries.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	MigrateUp(migrationsDir string) error
	MigrateDown(migrationsDir string) error
}

type repository struct {
	db  *dbpg.DB
	log *zerolog.Logger
}

func NewRepository(db *dbpg.DB, log *zerolog.Logger) (Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.Master.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}
	return &repository{db: db, log: log}, nil
}

func migrationFiles(dir, suffix string, reverse bool) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, fmt.Errorf("list %s migrations: %w", suffix, err)
	}
	sort.Strings(files)
	if reverse {
		slices.Reverse(files)
	}
	return files, nil
}

// MigrateUp applies every *.up.sql in dir in name order, in one transaction.
func (r *repository) MigrateUp(dir string) error {
	return r.migrate(dir, ".up.sql", false)
}

// MigrateDown applies every *.down.sql in dir in reverse name order, in one transaction.
func (r *repository) MigrateDown(dir string) error {
	return r.migrate(dir, ".down.sql", true)
}

func (r *repository) migrate(dir, suffix string, reverse bool) error {
	files, err := migrationFiles(dir, suffix, reverse)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, file := range files {
		stmt, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(file), err)
		}
		if _, err := tx.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("apply %s: %w", filepath.Base(file), err)
		}
		r.log.Debug().Str("file", filepath.Base(file)).Msg("migration applied")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	r.log.Info().Int("files", len(files)).Str("dir", dir).Msg("local cache migrations applied")
	return nil
}

func (r *repository) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT payload
		FROM local_enrollment_cache
		WHERE entry_key = $1
	`
	var payload string
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoEntry
		}
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}
	return []byte(payload), nil
}

func (r *repository) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO local_enrollment_cache (entry_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (entry_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("failed to upsert cache entry %s: %w", key, err)
	}
	return nil
}
