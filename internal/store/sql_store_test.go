package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func openSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, SQLite)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &sqliteSuite{journalSuite{}})
}

type sqliteSuite struct {
	journalSuite
}

func (s *sqliteSuite) SetupTest() {
	s.newStores = func() (Journal, SnapshotStore) {
		st := openSQLiteStore(s.T())
		return st, st
	}
	s.journalSuite.SetupTest()
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openSQLiteStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestRebind(t *testing.T) {
	q := `SELECT x FROM t WHERE a = $1 AND b > $2 LIMIT 10`

	assert.Equal(t, q, Postgres.rebind(q))
	assert.Equal(t, `SELECT x FROM t WHERE a = ? AND b > ? LIMIT 10`, SQLite.rebind(q))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name)

	d, err = DialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name)

	_, err = DialectFor("mysql")
	assert.Error(t, err)
}
