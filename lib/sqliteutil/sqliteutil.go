package sqliteutil

import (
	"database/sql"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

func driverFor(path string) string {
	if strings.HasPrefix(path, "libsql://") ||
		strings.HasPrefix(path, "wss://") ||
		strings.HasPrefix(path, "https://") {
		return "libsql"
	}
	return "sqlite"
}

// OpenDB opens a local sqlite file (or `:memory:`) or a remote libsql
// database depending on the path, then applies the given schema. Applying
// a schema to an already initialized database is not an error.
func OpenDB(schema, path string) (*sql.DB, error) {
	db, err := sql.Open(driverFor(path), path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(schema)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		db.Close()
		return nil, err
	}
	return db, nil
}
