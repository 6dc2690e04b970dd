package archive

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
)

// Open opens a *sql.DB against dsn using the lib/pq driver. Convenience
// wrapper so callers of this package don't need their own blank import.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: opening postgres: %w", err)
	}
	return db, nil
}
