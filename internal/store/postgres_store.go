package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	queryLicense       = `SELECT key, tenant_id, expires_at, created_at FROM licenses WHERE key = $1`
	queryLicenses      = `SELECT key, tenant_id, expires_at, created_at FROM licenses ORDER BY key`
	queryInsertLicense = `INSERT INTO licenses (key, created_at) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`
	queryBindLicense   = `UPDATE licenses SET tenant_id = $1, expires_at = $2 WHERE key = $3`
	queryClearLicense  = `UPDATE licenses SET tenant_id = NULL, expires_at = NULL WHERE key = $1`
	queryLicensesOf    = `SELECT key, tenant_id, expires_at, created_at FROM licenses WHERE tenant_id = $1 AND expires_at IS NOT NULL ORDER BY key`
	queryTenant        = `SELECT id, exempt, activated_at FROM tenants WHERE id = $1`
	queryTenants       = `SELECT id, exempt, activated_at FROM tenants ORDER BY id`
	queryRemoveTenant  = `DELETE FROM tenants WHERE id = $1`

	queryPutTenant = `INSERT INTO tenants (id, exempt, activated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET exempt = tenants.exempt OR EXCLUDED.exempt`
)

// PostgresStore keeps licenses and tenants in PostgreSQL. Update runs at
// read committed and locks every license row it reads, so two activations
// of the same key queue on the row lock instead of both binding it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url, applies pending schema migrations and
// verifies the connection.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	if err := Migrate(url); err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate brings the schema at url up to date using the embedded migrations.
func Migrate(url string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(url))
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// migrateURL rewrites a libpq style url to the scheme the pgx/v5 migrate
// driver registers under.
func migrateURL(url string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, prefix) {
			return "pgx5://" + strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(&pgTx{ctx: ctx, tx: tx})
}

func (s *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&pgTx{ctx: ctx, tx: tx, writable: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// pgTx carries the context of the enclosing View/Update call; it never
// outlives it.
type pgTx struct {
	ctx      context.Context
	tx       pgx.Tx
	writable bool
}

func (t *pgTx) lock(q string) string {
	if t.writable {
		return q + " FOR UPDATE"
	}
	return q
}

func (t *pgTx) License(key string) (License, error) {
	row := t.tx.QueryRow(t.ctx, t.lock(queryLicense), key)
	lic, err := scanLicense(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return License{}, ErrNotFound
	}
	return lic, err
}

func (t *pgTx) Licenses() ([]License, error) {
	return t.queryLicenses(t.lock(queryLicenses))
}

func (t *pgTx) LicensesOf(tenantID int64) ([]License, error) {
	return t.queryLicenses(t.lock(queryLicensesOf), tenantID)
}

func (t *pgTx) queryLicenses(q string, args ...any) ([]License, error) {
	rows, err := t.tx.Query(t.ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]License, 0)
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertLicense(key string, createdAt time.Time) (bool, error) {
	if !t.writable {
		return false, errReadOnly
	}
	tag, err := t.tx.Exec(t.ctx, queryInsertLicense, key, normalize(createdAt))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) BindLicense(key string, tenantID int64, expiresAt time.Time) error {
	return t.exec(queryBindLicense, tenantID, normalize(expiresAt), key)
}

func (t *pgTx) ClearLicense(key string) error {
	return t.exec(queryClearLicense, key)
}

func (t *pgTx) exec(q string, args ...any) error {
	if !t.writable {
		return errReadOnly
	}
	tag, err := t.tx.Exec(t.ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) Tenant(id int64) (Tenant, error) {
	var ten Tenant
	err := t.tx.QueryRow(t.ctx, queryTenant, id).Scan(&ten.ID, &ten.Exempt, &ten.ActivatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	ten.ActivatedAt = normalize(ten.ActivatedAt)
	return ten, nil
}

func (t *pgTx) Tenants() ([]Tenant, error) {
	rows, err := t.tx.Query(t.ctx, queryTenants)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Tenant, 0)
	for rows.Next() {
		var ten Tenant
		if err := rows.Scan(&ten.ID, &ten.Exempt, &ten.ActivatedAt); err != nil {
			return nil, err
		}
		ten.ActivatedAt = normalize(ten.ActivatedAt)
		out = append(out, ten)
	}
	return out, rows.Err()
}

func (t *pgTx) PutTenant(ten Tenant) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.Exec(t.ctx, queryPutTenant, ten.ID, ten.Exempt, normalize(ten.ActivatedAt))
	return err
}

func (t *pgTx) RemoveTenant(id int64) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.Exec(t.ctx, queryRemoveTenant, id)
	return err
}

func scanLicense(row pgx.Row) (License, error) {
	var (
		lic      License
		tenantID *int64
	)
	if err := row.Scan(&lic.Key, &tenantID, &lic.ExpiresAt, &lic.CreatedAt); err != nil {
		return License{}, err
	}
	if tenantID != nil {
		lic.TenantID = *tenantID
	}
	if lic.ExpiresAt != nil {
		exp := normalize(*lic.ExpiresAt)
		lic.ExpiresAt = &exp
	}
	lic.CreatedAt = normalize(lic.CreatedAt)
	return lic, nil
}
