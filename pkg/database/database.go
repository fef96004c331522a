package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/pistobot/neoscratch/pkg/config"
)

var DebugLog func(string, ...interface{})

const DBName = "neoscratch_runs"

const (
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
	StatusAborted = "ABORTED"
)

type DB struct {
	conn    *sql.DB
	enabled bool
}

// RunRecord is one pipeline run as stored in the registry.
type RunRecord struct {
	RunName        string
	ParamsPath     string
	Backend        string
	Status         string
	FailedStage    string
	Error          string
	GenerationFile string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Outcome is what FinishRun records once the pipeline stops.
type Outcome struct {
	Status         string
	FailedStage    string
	Error          string
	GenerationFile string
}

func New(cfg config.Database) (*DB, error) {
	db := &DB{enabled: cfg.Enabled}
	if !cfg.Enabled {
		debugf("run registry disabled")
		return db, nil
	}

	postgresConn, err := sql.Open("postgres", connString(cfg, "postgres"))
	if err != nil {
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if _, err := postgresConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName)); err != nil {
			return db, fmt.Errorf("failed to create database: %w", err)
		}
		debugf("database '%s' created", DBName)
	}

	conn, err := sql.Open("postgres", connString(cfg, DBName))
	if err != nil {
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	db.conn = conn
	debugf("run registry connected to %s:%d/%s", cfg.Host, cfg.Port, DBName)

	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

func connString(cfg config.Database, dbname string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, dbname)
}

func debugf(format string, args ...interface{}) {
	if DebugLog != nil {
		DebugLog(format, args...)
	}
}

func (db *DB) initSchema() error {
	if !db.IsEnabled() {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id SERIAL PRIMARY KEY,
		run_name VARCHAR(255) NOT NULL UNIQUE,
		params_path TEXT NOT NULL,
		backend VARCHAR(50) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'RUNNING',
		failed_stage VARCHAR(50) NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		generation_file TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL DEFAULT NOW(),
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db != nil && db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db != nil && db.enabled && db.conn != nil
}

// StartRun registers runName as RUNNING. A rerun with the same name resets
// the record.
func (db *DB) StartRun(runName, paramsPath, backendName string, startedAt time.Time) error {
	if !db.IsEnabled() {
		return nil
	}
	debugf("registering run %s as %s", runName, StatusRunning)
	_, err := db.conn.Exec(`
		INSERT INTO runs (run_name, params_path, backend, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_name) DO UPDATE
		SET params_path = EXCLUDED.params_path, backend = EXCLUDED.backend,
			status = EXCLUDED.status, failed_stage = '', error = '',
			generation_file = '', started_at = EXCLUDED.started_at, finished_at = NULL
	`, runName, paramsPath, backendName, StatusRunning, startedAt.UTC())
	return err
}

func (db *DB) FinishRun(runName string, outcome Outcome, finishedAt time.Time) error {
	if !db.IsEnabled() {
		return nil
	}
	if outcome.Status != StatusDone && outcome.Status != StatusAborted {
		return fmt.Errorf("invalid final status %q", outcome.Status)
	}
	debugf("marking run %s as %s", runName, outcome.Status)
	res, err := db.conn.Exec(`
		UPDATE runs
		SET status = $2, failed_stage = $3, error = $4, generation_file = $5, finished_at = $6
		WHERE run_name = $1
	`, runName, outcome.Status, outcome.FailedStage, outcome.Error, outcome.GenerationFile, finishedAt.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s is not registered", runName)
	}
	return nil
}

// QueryRuns lists runs newest first. An empty status matches every run and a
// non-positive limit returns all of them.
func (db *DB) QueryRuns(status string, limit int) ([]RunRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT run_name, params_path, backend, status, failed_stage, error,
			generation_file, started_at, finished_at
		FROM runs
	`
	var args []interface{}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		var finished sql.NullTime
		if err := rows.Scan(&r.RunName, &r.ParamsPath, &r.Backend, &r.Status, &r.FailedStage,
			&r.Error, &r.GenerationFile, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
