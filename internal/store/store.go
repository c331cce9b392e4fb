// Package store records training runs and per-epoch metrics in SQLite or
// PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("store: run not found")
	// ErrNoBestEpoch is returned by BestEpoch before any epoch was promoted.
	ErrNoBestEpoch = errors.New("store: no best epoch")
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	dataset    TEXT NOT NULL,
	model      TEXT NOT NULL,
	started_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS epochs (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	epoch      INTEGER NOT NULL,
	train_loss DOUBLE PRECISION NOT NULL,
	train_acc  DOUBLE PRECISION NOT NULL,
	val_acc    DOUBLE PRECISION NOT NULL,
	best       BOOLEAN NOT NULL,
	PRIMARY KEY (run_id, epoch)
);
`

// Run is one training invocation.
type Run struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Dataset   string `db:"dataset"`
	Model     string `db:"model"`
	StartedAt int64  `db:"started_at"` // unix milliseconds
}

// Epoch holds the metrics of one epoch. Best marks an epoch whose weights
// were promoted to the snapshot.
type Epoch struct {
	RunID     string  `db:"run_id"`
	Epoch     int     `db:"epoch"`
	TrainLoss float64 `db:"train_loss"`
	TrainAcc  float64 `db:"train_acc"`
	ValAcc    float64 `db:"val_acc"`
	Best      bool    `db:"best"`
}

// Store wraps the metrics database.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to driver ("sqlite" or "postgres") and creates the tables.
// For SQLite the parent directory of dsn is created.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "store: create database directory")
			}
		}
	case "postgres":
	default:
		return nil, errors.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "store: connect %s", driver)
	}
	if driver == "sqlite" {
		// Single writer; also keeps ":memory:" on one connection.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: migrate")
	}

	logger.Info("metrics store ready", zap.String("driver", driver))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run with a fresh id and start time.
func (s *Store) CreateRun(ctx context.Context, name, dataset, model string) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		Name:      name,
		Dataset:   dataset,
		Model:     model,
		StartedAt: time.Now().UnixMilli(),
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, name, dataset, model, started_at)
		VALUES (:id, :name, :dataset, :model, :started_at)`, run)
	if err != nil {
		return Run{}, errors.Wrap(err, "store: insert run")
	}

	s.logger.Debug("run created", zap.String("run_id", run.ID), zap.String("name", name))
	return run, nil
}

// RecordEpoch stores the metrics of one epoch.
func (s *Store) RecordEpoch(ctx context.Context, e Epoch) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO epochs (run_id, epoch, train_loss, train_acc, val_acc, best)
		VALUES (:run_id, :epoch, :train_loss, :train_acc, :val_acc, :best)`, e)
	return errors.Wrapf(err, "store: insert epoch %d of run %s", e.Epoch, e.RunID)
}

// Run returns the run with id.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, s.db.Rebind(`SELECT * FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errors.Wrapf(ErrRunNotFound, "%s", id)
	}
	return run, errors.Wrap(err, "store: get run")
}

// Runs lists all runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := s.db.SelectContext(ctx, &runs, `SELECT * FROM runs ORDER BY started_at DESC, id`)
	return runs, errors.Wrap(err, "store: list runs")
}

// Epochs returns the epochs of a run in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	var epochs []Epoch
	err := s.db.SelectContext(ctx, &epochs,
		s.db.Rebind(`SELECT * FROM epochs WHERE run_id = ? ORDER BY epoch`), runID)
	return epochs, errors.Wrap(err, "store: list epochs")
}

// BestEpoch returns the last promoted epoch of a run.
func (s *Store) BestEpoch(ctx context.Context, runID string) (Epoch, error) {
	var e Epoch
	err := s.db.GetContext(ctx, &e, s.db.Rebind(`
		SELECT * FROM epochs WHERE run_id = ? AND best
		ORDER BY epoch DESC LIMIT 1`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return Epoch{}, errors.Wrapf(ErrNoBestEpoch, "run %s", runID)
	}
	return e, errors.Wrap(err, "store: best epoch")
}
