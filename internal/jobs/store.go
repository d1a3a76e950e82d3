package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CZERTAINLY/Hopper/internal/interp"
	"github.com/CZERTAINLY/Hopper/internal/model"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrExists         = errors.New("job already registered")
	ErrAlreadyStarted = errors.New("job already started")
	ErrNotRunning     = errors.New("job not running")
	ErrNotFinished    = errors.New("job not finished")
	ErrAlreadyDrained = errors.New("job output already drained")
)

const (
	// EntryCommand is the hidden subcommand relaunching a job out of process.
	EntryCommand = "_job"
	NamePrefix   = "hopper-job-"
)

// Store is the host job subsystem: a sqlite database shared by the
// registering process and the job processes it (or a scheduled task) starts.
type Store struct {
	db   *sql.DB
	path string
	self string
}

// Outcome is what a job process reports when its work item ends.
type Outcome struct {
	Records  []string
	Failed   bool
	Failure  string
	ExitCode int
}

func Open(ctx context.Context, path string) (*Store, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own executable: %w", err)
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	// writers take the lock at BEGIN, a deferred read lock cannot be upgraded
	// once another connection committed
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			definition TEXT NOT NULL,
			state TEXT NOT NULL,
			pid INTEGER DEFAULT NULL,
			principal TEXT DEFAULT NULL,
			output TEXT DEFAULT NULL,
			failure TEXT DEFAULT NULL,
			exit_code INTEGER DEFAULT NULL,
			drained BOOLEAN NOT NULL DEFAULT false,
			created_at TEXT NOT NULL,
			started_at TEXT DEFAULT NULL,
			finished_at TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, self: self}, nil
}

// WithExecutable changes the binary used as the job entry point.
func (s *Store) WithExecutable(self string) *Store {
	s.self = self
	return s
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NewName returns a collision-free job name.
func NewName() string {
	return NamePrefix + uuid.NewString()
}

// EntryPoint returns the command running the job named name out of process.
func (s *Store) EntryPoint(name string) model.EntryPoint {
	return model.EntryPoint{
		Path: s.self,
		Args: []string{EntryCommand, "--store", s.path, "--name", name},
	}
}

// Register persists def as a job in registered state.
func (s *Store) Register(ctx context.Context, def model.JobDefinition) (model.JobHandle, error) {
	var zero model.JobHandle
	switch {
	case def.Name == "":
		return zero, errors.New("job name is empty")
	case strings.TrimSpace(def.Work.Body) == "":
		return zero, errors.New("job body is empty")
	}
	if _, err := interp.Lookup(def.Work.Interpreter); err != nil {
		return zero, err
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return zero, fmt.Errorf("encoding job definition: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, definition, state, created_at) VALUES (?,?,?,?);`,
		def.Name, string(raw), string(model.JobRegistered), now(),
	)
	var sqliteErr *sqlite.Error
	switch {
	case errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return zero, fmt.Errorf("%s: %w", def.Name, ErrExists)
	case err != nil:
		return zero, fmt.Errorf("executing sql insert failed: %w", err)
	}

	return model.JobHandle{
		Name:       def.Name,
		EntryPoint: s.EntryPoint(def.Name),
	}, nil
}

// Definition returns the registered definition of a job.
func (s *Store) Definition(ctx context.Context, name string) (model.JobDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM jobs WHERE name=?`, name,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.JobDefinition{}, ErrNotFound
	case err != nil:
		return model.JobDefinition{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	var def model.JobDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return model.JobDefinition{}, fmt.Errorf("decoding job definition: %w", err)
	}
	return def, nil
}

// Status returns the current lifecycle state of a job.
func (s *Store) Status(ctx context.Context, name string) (model.JobStatus, error) {
	var (
		state     string
		pid       sql.NullInt64
		principal sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, pid, principal FROM jobs WHERE name=?`, name,
	).Scan(&state, &pid, &principal)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.JobStatus{}, ErrNotFound
	case err != nil:
		return model.JobStatus{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return model.JobStatus{
		Name:      name,
		State:     model.JobState(state),
		PID:       int(pid.Int64),
		Principal: principal.String,
	}, nil
}

// MarkRunning records that the job process materialized. A job is started
// exactly once, so any other state than registered is ErrAlreadyStarted.
func (s *Store) MarkRunning(ctx context.Context, name string, pid int, principal string) error {
	return s.transition(ctx, name, func(tx *sql.Tx, state model.JobState) error {
		if state != model.JobRegistered {
			return ErrAlreadyStarted
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, pid = ?, principal = ?, started_at = ? WHERE name = ?;`,
			string(model.JobRunning), pid, principal, now(), name,
		)
		return err
	})
}

// Finish stores the outcome of a running job.
func (s *Store) Finish(ctx context.Context, name string, outcome Outcome) error {
	output, err := json.Marshal(outcome.Records)
	if err != nil {
		return fmt.Errorf("encoding job output: %w", err)
	}
	state := model.JobCompleted
	if outcome.Failed {
		state = model.JobFailed
	}
	return s.transition(ctx, name, func(tx *sql.Tx, current model.JobState) error {
		if current != model.JobRunning {
			return ErrNotRunning
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs
			 SET
				state = ?,
				output = ?,
				failure = ?,
				exit_code = ?,
				finished_at = ?
			WHERE name = ?;
			`, string(state), string(output), outcome.Failure, outcome.ExitCode, now(), name,
		)
		return err
	})
}

// Drain returns the output of a finished job and destroys it. A second
// drain returns ErrAlreadyDrained. The failure of a failed job is returned
// as *model.ExecutionError.
func (s *Store) Drain(ctx context.Context, name string) (model.Result, error) {
	var (
		state     string
		output    sql.NullString
		failure   sql.NullString
		exitCode  sql.NullInt64
		principal sql.NullString
		drained   bool
	)
	err := s.transition(ctx, name, func(tx *sql.Tx, _ model.JobState) error {
		err := tx.QueryRowContext(ctx,
			`SELECT state, output, failure, exit_code, principal, drained FROM jobs WHERE name=?`, name,
		).Scan(&state, &output, &failure, &exitCode, &principal, &drained)
		if err != nil {
			return err
		}
		switch {
		case drained:
			return ErrAlreadyDrained
		case !model.JobState(state).Terminal():
			return ErrNotFinished
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET drained = true, output = NULL, failure = NULL WHERE name = ?;`, name,
		)
		return err
	})
	if err != nil {
		return model.Result{}, err
	}

	if model.JobState(state) == model.JobFailed {
		return model.Result{}, &model.ExecutionError{
			Message:  failure.String,
			ExitCode: int(exitCode.Int64),
		}
	}

	var records []string
	if output.Valid {
		if err := json.Unmarshal([]byte(output.String), &records); err != nil {
			return model.Result{}, fmt.Errorf("decoding job output: %w", err)
		}
	}
	return model.Result{
		Records:   records,
		Principal: principal.String,
	}, nil
}

// Unregister deletes the job. A job still running is orphaned by this call,
// so its process group is killed.
func (s *Store) Unregister(ctx context.Context, name string) error {
	var pid sql.NullInt64
	var orphan bool
	err := s.transition(ctx, name, func(tx *sql.Tx, state model.JobState) error {
		if state == model.JobRunning {
			if err := tx.QueryRowContext(ctx, `SELECT pid FROM jobs WHERE name=?`, name).Scan(&pid); err != nil {
				return err
			}
			orphan = pid.Valid && pid.Int64 > 0
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE name=?`, name)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		ra, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		if ra != 1 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	if orphan {
		kill(ctx, name, int(pid.Int64))
	}
	return nil
}

// Names lists all registered jobs.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// transition runs fn in a transaction after loading the current job state.
func (s *Store) transition(ctx context.Context, name string, fn func(*sql.Tx, model.JobState) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(ctx context.Context, name string) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "calling tx.Rollback() failed", slog.String("job", name), slog.String("error", err.Error()))
		}
	}(ctx, name)

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM jobs WHERE name=?`, name,
	).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	if err := fn(tx, model.JobState(state)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func kill(ctx context.Context, name string, pid int) {
	if err := killGroup(pid); err != nil {
		slog.DebugContext(ctx, "killing orphaned job process failed", "job", name, "pid", pid, "error", err)
		return
	}
	slog.InfoContext(ctx, "killed orphaned job process", "job", name, "pid", pid)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
