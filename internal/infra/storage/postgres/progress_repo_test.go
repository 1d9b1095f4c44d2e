package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/storage"
	"github.com/vietddude/blockindexer/internal/infra/storage/storagetest"
	"github.com/vietddude/blockindexer/internal/testutil"
)

func TestProgressRow_Record(t *testing.T) {
	ptr := testutil.Ptr(7, 7)
	number, hash := ptrColumns(&ptr)

	rec := progressRow{
		DeploymentID: "dep",
		BlockNumber:  number,
		BlockHash:    hash,
		Health:       "healthy",
		UpdatedAt:    time.Unix(1_700_000_000, 0),
	}.record()
	require.NotNil(t, rec.Ptr)
	assert.Equal(t, ptr, *rec.Ptr)
	assert.Equal(t, domain.HealthHealthy, rec.Health)

	empty := progressRow{DeploymentID: "dep", Health: "bogus"}.record()
	assert.Nil(t, empty.Ptr)
	assert.Equal(t, domain.HealthUnknown, empty.Health)

	n, h := ptrColumns(nil)
	assert.Equal(t, sql.NullInt64{}, n)
	assert.Equal(t, sql.NullString{}, h)
}

func TestNewDB_UnsupportedDriver(t *testing.T) {
	_, err := NewDB(context.Background(), Config{URL: "postgres://localhost/x", Driver: "mysql"})
	assert.ErrorContains(t, err, "unsupported postgres driver")
}

// TestProgressRepo runs against a live database named by DATABASE_URL.
func TestProgressRepo(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	for _, driver := range []string{DriverPgx, DriverPq} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			db, err := NewDB(ctx, Config{URL: url, Driver: driver})
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			require.NoError(t, Migrate(db))

			storagetest.Run(t, func(t *testing.T) storage.ProgressRepository {
				_, err := db.ExecContext(ctx, `TRUNCATE deployment_progress`)
				require.NoError(t, err)
				return NewProgressRepo(db)
			})
		})
	}
}
