package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type PSQLConfig struct {
	ConnStr string
	// ClearDB drops all rows on startup. For tests.
	ClearDB bool
}

func NewPSQLStorage(cfg PSQLConfig) (Storage, error) {
	db, err := sql.Open("postgres", cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if cfg.ClearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS journey_vehicles;
DROP TABLE IF EXISTS journey_events;
DROP TABLE IF EXISTS journeys;
DROP TABLE IF EXISTS dispatch_posts;
DROP TABLE IF EXISTS servers`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing postgres db: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating postgres schema: %w", err)
	}
	return &sqlStorage{db: db, postgres: true}, nil
}
