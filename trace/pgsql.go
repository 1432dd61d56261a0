package trace

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/CIB/polli/config"
)

// PgSink persists accumulated region stats into a relational store with
// the schema regions(name, id, duration, events, run_id). It is the
// reference Sink implementation and disabled unless db.enable is set.
type PgSink struct {
	cfg *config.Config
	db  *sql.DB
}

// NewPgSink opens a connection using the db.* configuration.
func NewPgSink(cfg *config.Config) (*PgSink, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open telemetry store: %w", err)
	}
	return &PgSink{cfg: cfg, db: db}, nil
}

// Close releases the underlying connection.
func (s *PgSink) Close() error {
	return s.db.Close()
}

// runGroup returns the configured run group, allocating a fresh UUID
// when none was given so that all rows of one process share a group.
func (s *PgSink) runGroup() string {
	if g, err := uuid.Parse(s.cfg.RunGroup); err == nil {
		return g.String()
	}
	g := uuid.New()
	s.cfg.RunGroup = g.String()
	return g.String()
}

// allocateRunID inserts a run row and returns its id. Used when the
// configured run id is zero.
func (s *PgSink) allocateRunID(tx *sql.Tx) (int, error) {
	var id int
	err := tx.QueryRow(
		`INSERT INTO run (finished, experiment_name, project_name, run_group) `+
			`VALUES ($1, $2, $3, $4) RETURNING id`,
		time.Now(), s.cfg.Experiment, s.cfg.Project, s.runGroup(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocate run id: %w", err)
	}
	return id, nil
}

// StoreRun writes one row per region. When runID is zero a run row is
// created first and its id used for every region row.
func (s *PgSink) StoreRun(stats []RegionStat, runID int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin telemetry transaction: %w", err)
	}
	defer tx.Rollback()

	if runID == 0 {
		if runID, err = s.allocateRunID(tx); err != nil {
			return err
		}
	}

	stmt, err := tx.Prepare(
		`INSERT INTO regions (name, id, duration, events, run_id) VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare region insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range stats {
		if _, err := stmt.Exec(st.Name, int64(st.ID), st.Duration, int64(st.Events), runID); err != nil {
			return fmt.Errorf("store region %q: %w", st.Name, err)
		}
	}
	return tx.Commit()
}
