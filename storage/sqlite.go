package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteConfig struct {
	// OnDisk writes to Directory/simrail.db instead of memory.
	OnDisk    bool
	Directory string
}

func NewSQLiteStorage(cfg SQLiteConfig) (Storage, error) {
	dsn := "file::memory:?cache=shared&_foreign_keys=on"
	if cfg.OnDisk {
		dsn = fmt.Sprintf("file:%s/simrail.db?_foreign_keys=on", cfg.Directory)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// The shared-cache in-memory db vanishes when the last connection
	// closes, and sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &sqlStorage{db: db}, nil
}
