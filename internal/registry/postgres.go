package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/vflow-project/vflow/db/migrations"
	"github.com/vflow-project/vflow/internal/observability"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// schemaLockKey serializes migration runs across the multiple vflow nodes
// that make up one job: every node's driver process can reach
// NewPostgresStore at roughly the same time on startup, and only one of
// them should actually apply pending migrations while the rest wait.
const schemaLockKey = 0x76666c77 // "vflw"

// PostgresStore persists jobs/nodes with database/sql over pgx, applying
// its own schema migrations from an embedded filesystem on first
// connect.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

// ensureSchema runs the whole migration check-and-apply pass inside one
// transaction, holding a transaction-scoped advisory lock (schemaLockKey)
// for its duration. pg_advisory_xact_lock is safe under database/sql's
// connection pooling, unlike the session-scoped lock functions, since it
// is released automatically on commit or rollback regardless of which
// pooled connection the transaction lands on.
func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema migration lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	appliedCount := 0
	for _, file := range files {
		applied, err := isMigrationApplied(ctx, tx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, tx, file); err != nil {
			return err
		}
		appliedCount++
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if appliedCount > 0 {
		observability.Default.IncCounter("registry_migrations_applied_total", nil, float64(appliedCount))
	}
	return nil
}

func isMigrationApplied(ctx context.Context, tx *sql.Tx, version string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func applyMigration(ctx context.Context, tx *sql.Tx, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return nil
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) UpsertJob(ctx context.Context, job JobRecord) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO jobs (id, name, dataset_id, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$5)
		 ON CONFLICT (id) DO UPDATE SET
		 name=EXCLUDED.name, dataset_id=EXCLUDED.dataset_id, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		job.ID, job.Name, job.DatasetID, job.Status, now,
	)
	return err
}

func (p *PostgresStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, dataset_id, status, created_at, updated_at FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobRecord, 0, 16)
	for rows.Next() {
		var j JobRecord
		if err := rows.Scan(&j.ID, &j.Name, &j.DatasetID, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertNode(ctx context.Context, node NodeRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO nodes (job_id, rank, addr, accepted_items, retired_items, cpu_util, memory_util, health, last_seen)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (job_id, rank) DO UPDATE SET
		 addr=EXCLUDED.addr, accepted_items=EXCLUDED.accepted_items, retired_items=EXCLUDED.retired_items,
		 cpu_util=EXCLUDED.cpu_util, memory_util=EXCLUDED.memory_util,
		 health=EXCLUDED.health, last_seen=EXCLUDED.last_seen`,
		node.JobID, node.Rank, node.Addr, node.AcceptedItems, node.RetiredItems, node.CPUUtil, node.MemoryUtil, node.Health, time.Now().UTC(),
	)
	return err
}

func (p *PostgresStore) ListNodes(ctx context.Context, jobID string) ([]NodeRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT job_id, rank, addr, accepted_items, retired_items, cpu_util, memory_util, health, last_seen FROM nodes WHERE job_id=$1 ORDER BY rank`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]NodeRecord, 0, 16)
	for rows.Next() {
		var n NodeRecord
		if err := rows.Scan(&n.JobID, &n.Rank, &n.Addr, &n.AcceptedItems, &n.RetiredItems, &n.CPUUtil, &n.MemoryUtil, &n.Health, &n.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
