package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)
	migrator := NewMigrator(store, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	all, err := parseMigrations(migrationsFS)
	require.NoError(t, err)
	total := len(all)
	newest := all[total-1].version

	_, err = migrator.Down(ctx, 100)
	require.NoError(t, err, "reset schema")
	state, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, MigrationState{Pending: state.Pending}, state)
	require.Len(t, state.Pending, total)

	applied, err := migrator.Up(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	applied, err = migrator.Up(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, total-1, applied)

	state, err = migrator.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, newest, state.Current)
	require.Equal(t, total, state.Applied)
	require.Empty(t, state.Pending)
	require.Empty(t, state.Drifted)

	// повторный up ничего не меняет
	applied, err = migrator.Up(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, applied)

	reverted, err := migrator.Down(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, reverted)
	state, err = migrator.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, all[total-2].version, state.Current)
	require.Equal(t, []string{all[total-1].label()}, state.Pending)

	_, err = migrator.Up(ctx, 0)
	require.NoError(t, err, "restore schema")
}

func TestMigrator_PostgresDetectsDrift(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	migrator := NewMigrator(store, testLogger())
	ctx := context.Background()

	_, err := store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'edited' WHERE version = 1`)
	require.NoError(t, err)
	t.Cleanup(func() {
		all, _ := parseMigrations(migrationsFS)
		_, _ = store.DB().ExecContext(context.Background(), `UPDATE schema_migrations SET checksum = $1 WHERE version = 1`, all[0].checksum())
	})

	state, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"0001_orders"}, state.Drifted)
}
