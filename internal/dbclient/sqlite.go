package dbclient

import (
	"strings"

	"salesetl/internal/domain"

	_ "modernc.org/sqlite"
)

// newSQLiteConnector opens an SQLite file with a busy timeout so the
// connector can read while another process writes.
func newSQLiteConnector(path string) (*sqlConnector, error) {
	return newSQLConnector(domain.DatabaseDriverSQLite, sqliteDSN(path))
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)"
}
