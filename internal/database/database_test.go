package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/paygate/internal/models"
)

func TestMigrateCreatesTables(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Migrate(conn))
	for _, table := range []any{
		&models.PaymentTransaction{},
		&models.Mandate{},
		&models.ProcessedEvent{},
		&models.PaymeTransaction{},
		&models.Order{},
	} {
		assert.True(t, conn.Migrator().HasTable(table))
	}
	// Running again is a no-op.
	require.NoError(t, Migrate(conn))
}

func TestEnsureDatabaseIgnoresNonPostgresDSN(t *testing.T) {
	assert.NoError(t, ensureDatabase("host=localhost user=postgres dbname=paygate"))
	assert.NoError(t, ensureDatabase("postgres://localhost:5432"))
}

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")

	_, err = ConnectRedis(context.Background(), "not a url")
	assert.Error(t, err)
}
