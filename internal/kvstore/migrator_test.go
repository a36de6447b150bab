/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvstore

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var testConnStr string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("share_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	testConnStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}

	os.Exit(code)
}

// freshDB creates a new database within the shared container for test isolation.
func freshDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	dbName := fmt.Sprintf("test_%d", time.Now().UnixNano())

	db, err := sql.Open("pgx", testConnStr)
	require.NoError(t, err)

	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	connStr := replaceDBName(testConnStr, dbName)

	db, err = sql.Open("pgx", connStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		mainDB, err := sql.Open("pgx", testConnStr)
		if err == nil {
			_, _ = mainDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName))
			_ = mainDB.Close()
		}
	})

	return db, connStr
}

func replaceDBName(connStr, newDB string) string {
	qIdx := len(connStr)
	for i, c := range connStr {
		if c == '?' {
			qIdx = i
			break
		}
	}

	slashIdx := 0
	for i := qIdx - 1; i >= 0; i-- {
		if connStr[i] == '/' {
			slashIdx = i
			break
		}
	}

	return connStr[:slashIdx+1] + newDB + connStr[qIdx:]
}

func TestMigrationFS_ContainsMigrations(t *testing.T) {
	entries, err := MigrationFS.ReadDir("migrations")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 4, "should have at least 4 migration files (2 up + 2 down)")

	expected := []string{
		"000001_create_share_sessions.up.sql",
		"000001_create_share_sessions.down.sql",
		"000002_create_share_kv.up.sql",
		"000002_create_share_kv.down.sql",
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, names[name], "migration %s should be embedded", name)
	}
}

func TestNewMigrator_InvalidConnection(t *testing.T) {
	logger := zap.New(zap.UseDevMode(true))

	_, err := NewMigrator("postgres://invalid:5432/nonexistent?sslmode=disable&connect_timeout=1", logger)
	assert.Error(t, err, "should fail with invalid connection")
}

func TestMigrator_UpDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	_, connStr := freshDB(t)
	logger := zap.New(zap.UseDevMode(true))

	mg, err := NewMigrator(connStr, logger)
	require.NoError(t, err)
	defer func() { _ = mg.Close() }()

	err = mg.Up()
	require.NoError(t, err)

	v, dirty, err := mg.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)

	// Idempotent — running Up again should succeed.
	err = mg.Up()
	require.NoError(t, err)

	err = mg.Down()
	require.NoError(t, err)
}

func TestMigrator_TablesExist(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db, connStr := freshDB(t)
	logger := zap.New(zap.UseDevMode(true))

	mg, err := NewMigrator(connStr, logger)
	require.NoError(t, err)
	defer func() { _ = mg.Close() }()

	err = mg.Up()
	require.NoError(t, err)

	for _, table := range []string{"share_sessions", "share_kv"} {
		var exists bool
		err := db.QueryRow(`
			SELECT EXISTS (
				SELECT 1 FROM pg_class c
				JOIN pg_namespace n ON n.oid = c.relnamespace
				WHERE c.relname = $1
				AND n.nspname = 'public'
			)`, table).Scan(&exists)
		require.NoError(t, err, "checking table %s", table)
		assert.True(t, exists, "table %s should exist", table)
	}
}

func TestMigrator_ConstraintsAndIndex(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db, connStr := freshDB(t)
	logger := zap.New(zap.UseDevMode(true))

	mg, err := NewMigrator(connStr, logger)
	require.NoError(t, err)
	defer func() { _ = mg.Close() }()

	err = mg.Up()
	require.NoError(t, err)

	now := time.Now().UTC()

	_, err = db.Exec(`
		INSERT INTO share_sessions (share_name, ses_id, secret, state, created_at)
		VALUES ('abcd1234', 'ses_aaa', 'supersecret', 'shared', $1)`, now)
	require.NoError(t, err)

	// ses_id is UNIQUE.
	_, err = db.Exec(`
		INSERT INTO share_sessions (share_name, ses_id, secret, state, created_at)
		VALUES ('efgh5678', 'ses_aaa', 'othersecret', 'shared', $1)`, now)
	assert.Error(t, err, "duplicate ses_id should violate the unique constraint")

	_, err = db.Exec(`
		INSERT INTO share_kv (share_name, key, content)
		VALUES ('abcd1234', 'session/info', '{"title":"hello"}')`)
	require.NoError(t, err)

	// (share_name, key) is UNIQUE.
	_, err = db.Exec(`
		INSERT INTO share_kv (share_name, key, content)
		VALUES ('abcd1234', 'session/info', '{"title":"world"}')`)
	assert.Error(t, err, "duplicate (share_name, key) should violate the unique constraint")

	// Cascade delete: removing the session row clears share_kv too.
	_, err = db.Exec(`DELETE FROM share_sessions WHERE share_name = 'abcd1234'`)
	require.NoError(t, err)

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM share_kv WHERE share_name = 'abcd1234'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "share_kv rows should cascade-delete with their session")

	var exists bool
	err = db.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM pg_class
			WHERE relname = 'share_kv_prefix_idx'
			AND relkind = 'i'
		)`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "share_kv_prefix_idx should exist")
}

func TestMigrator_CleanTeardown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db, connStr := freshDB(t)
	logger := zap.New(zap.UseDevMode(true))

	mg, err := NewMigrator(connStr, logger)
	require.NoError(t, err)
	defer func() { _ = mg.Close() }()

	err = mg.Up()
	require.NoError(t, err)

	err = mg.Down()
	require.NoError(t, err)

	for _, table := range []string{"share_sessions", "share_kv"} {
		var exists bool
		err := db.QueryRow(`
			SELECT EXISTS (
				SELECT 1 FROM pg_class c
				JOIN pg_namespace n ON n.oid = c.relnamespace
				WHERE c.relname = $1
				AND n.nspname = 'public'
			)`, table).Scan(&exists)
		require.NoError(t, err, "checking table %s after down", table)
		assert.False(t, exists, "table %s should not exist after down migration", table)
	}
}
