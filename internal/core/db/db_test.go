package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		url        string
		driver     string
		dataSource string
		wantErr    bool
	}{
		{url: "sqlite://crm.db", driver: "sqlite3", dataSource: "file:crm.db?" + sqliteDefaults},
		{url: "sqlite:///var/lib/crm.db", driver: "sqlite3", dataSource: "file:/var/lib/crm.db?" + sqliteDefaults},
		{url: "sqlite:///tmp/x.db?_busy_timeout=10", driver: "sqlite3", dataSource: "file:/tmp/x.db?_busy_timeout=10"},
		{url: "postgres://u:p@localhost:5432/crm?sslmode=disable", driver: "postgres", dataSource: "postgres://u:p@localhost:5432/crm?sslmode=disable"},
		{url: "mysql://localhost/crm", wantErr: true},
		{url: "sqlite://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			driver, ds, err := parseURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.driver, driver)
			assert.Equal(t, tt.dataSource, ds)
		})
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "crm.db"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, MigrateUp(ctx, conn))
	require.NoError(t, MigrateUp(ctx, conn))

	statuses, err := MigrateStatus(ctx, conn)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.ID)
		assert.NotNil(t, s.AppliedAt, s.ID)
	}
	assert.Equal(t, "001_initial_schema.sql", statuses[0].ID)
}

func TestMigrateUp_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "crm.db"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, MigrateUp(ctx, conn))
	_, err = conn.Exec("UPDATE migrations SET checksum = 'bad' WHERE migration_id = '001_initial_schema.sql'")
	require.NoError(t, err)

	err = MigrateUp(ctx, conn)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestQueries_InTransaction(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "crm.db"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, MigrateUp(ctx, conn))

	q, err := LoadQueries(conn)
	require.NoError(t, err)

	_, err = q.ExecContext(ctx, "no-such-query")
	assert.ErrorContains(t, err, "query not found")

	err = WithTx(ctx, conn, func(tx *sqlx.Tx) error {
		_, err := q.In(tx).ExecContext(ctx, "upsert-object", "Lead", "Lead")
		require.NoError(t, err)
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	var names []string
	require.NoError(t, conn.Select(&names, "SELECT object_name FROM scoring_objects"))
	assert.Empty(t, names, "rolled back insert is visible")

	require.NoError(t, WithTx(ctx, conn, func(tx *sqlx.Tx) error {
		_, err := q.In(tx).ExecContext(ctx, "upsert-object", "Lead", "Lead")
		return err
	}))
	var obj struct {
		Name  string `db:"object_name"`
		Label string `db:"label"`
	}
	require.NoError(t, q.GetContext(ctx, "list-objects", &obj))
	assert.Equal(t, "Lead", obj.Name)
}
