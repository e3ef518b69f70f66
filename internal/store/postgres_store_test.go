package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPostgres connects to LICENSEBOT_TEST_POSTGRES_URL and empties both
// tables. Tests are skipped when it is unset.
func openPostgres(t *testing.T) Store {
	t.Helper()
	url := os.Getenv("LICENSEBOT_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("LICENSEBOT_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	st, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	_, err = st.pool.Exec(ctx, `TRUNCATE licenses, tenants`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, openPostgres)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/lic?sslmode=disable", migrateURL("postgres://u:p@db:5432/lic?sslmode=disable"))
	assert.Equal(t, "pgx5://db/lic", migrateURL("postgresql://db/lic"))
	assert.Equal(t, "pgx5://db/lic", migrateURL("pgx5://db/lic"))
}
