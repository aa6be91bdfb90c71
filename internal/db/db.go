// Package db opens the workspace-local SQLite store. Bookring keeps all
// state in a single database file under <workspace>/.bookring.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFileName = "bookring.db"

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".bookring", dbFileName)
}

// EnsureWorkspace creates the .bookring directory if it is missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, ".bookring")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens (creating if needed) the workspace database with foreign key
// enforcement on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}

// Path reports where the database file lives for a workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
