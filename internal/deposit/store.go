package deposit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattjoyce/depositd/internal/location"
)

// Store persists deposits and their download tasks. A deposit row is a 1:1
// extension of a location row with purpose SD.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts the location and deposit rows in one transaction.
func (s *Store) Create(ctx context.Context, d Deposit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO locations(uuid, space_uuid, purpose, relative_path, description)
VALUES(?, ?, ?, ?, ?);
`, d.UUID, d.SpaceUUID, string(location.PurposeSwordDeposit), d.RelativePath, d.Name); err != nil {
		return fmt.Errorf("insert deposit location: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO deposits(location_uuid, name, created_at, source)
VALUES(?, ?, ?, ?);
`, d.UUID, d.Name, formatTime(d.CreatedAt), nullString(d.Source)); err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deposit: %w", err)
	}
	return nil
}

const depositColumns = `
  l.uuid, l.space_uuid, l.relative_path, s.path, d.name, d.source, d.created_at,
  d.ready_for_finalization, d.deposit_completion_time, d.last_intake_at,
  d.submitted_at, d.submitted_path`

const depositFrom = `
FROM deposits d
JOIN locations l ON l.uuid = d.location_uuid
JOIN spaces s ON s.uuid = l.space_uuid`

// Get returns the deposit with uuid or ErrDepositNotFound.
func (s *Store) Get(ctx context.Context, uuid string) (*Deposit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+depositColumns+depositFrom+` WHERE d.location_uuid = ?;`, uuid)
	d, err := scanDeposit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deposit %s: %w", uuid, ErrDepositNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	return d, nil
}

// ListBySpace returns the deposits of a space, oldest first.
func (s *Store) ListBySpace(ctx context.Context, spaceUUID string) ([]Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+depositColumns+depositFrom+`
WHERE l.space_uuid = ?
ORDER BY d.created_at, d.location_uuid;`, spaceUUID)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SetReady flags the deposit for finalization once its downloads complete.
func (s *Store) SetReady(ctx context.Context, uuid string) error {
	return s.exec(ctx, uuid, `UPDATE deposits SET ready_for_finalization = 1 WHERE location_uuid = ?;`, uuid)
}

// TouchIntake records that content intake has started.
func (s *Store) TouchIntake(ctx context.Context, uuid string, at time.Time) error {
	return s.exec(ctx, uuid, `UPDATE deposits SET last_intake_at = ? WHERE location_uuid = ?;`, formatTime(at), uuid)
}

// MarkCompleted stamps the deposit completion time.
func (s *Store) MarkCompleted(ctx context.Context, uuid string, at time.Time) error {
	return s.exec(ctx, uuid, `UPDATE deposits SET deposit_completion_time = ? WHERE location_uuid = ?;`, formatTime(at), uuid)
}

// MarkSubmitted records where the deposit's content was handed to a pipeline.
func (s *Store) MarkSubmitted(ctx context.Context, uuid, path string, at time.Time) error {
	return s.exec(ctx, uuid, `UPDATE deposits SET submitted_at = ?, submitted_path = ? WHERE location_uuid = ?;`,
		formatTime(at), path, uuid)
}

// Delete removes the deposit's location row; the deposit row cascades.
// Download tasks are kept.
func (s *Store) Delete(ctx context.Context, uuid string) error {
	return s.exec(ctx, uuid, `DELETE FROM locations WHERE uuid = ? AND purpose = 'SD';`, uuid)
}

func (s *Store) exec(ctx context.Context, uuid, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update deposit %s: %w", uuid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deposit %s: %w", uuid, ErrDepositNotFound)
	}
	return nil
}

// CreateTask records a new batch download.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO download_tasks(uuid, deposit_uuid, downloads_attempted, downloads_completed, created_at)
VALUES(?, ?, ?, 0, ?);
`, t.UUID, t.DepositUUID, t.Attempted, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert download task: %w", err)
	}
	return nil
}

// IncrementCompleted counts one more fetched file for the task.
func (s *Store) IncrementCompleted(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE download_tasks SET downloads_completed = downloads_completed + 1
WHERE uuid = ? AND downloads_completed < downloads_attempted;
`, taskID)
	if err != nil {
		return fmt.Errorf("increment task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s is missing or already complete", taskID)
	}
	return nil
}

// FinishTask stamps the task completion time.
func (s *Store) FinishTask(ctx context.Context, taskID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE download_tasks SET completion_time = ? WHERE uuid = ?;`, formatTime(at), taskID)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", taskID, err)
	}
	return nil
}

// FailTask stamps the task and flags it failed.
func (s *Store) FailTask(ctx context.Context, taskID, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE download_tasks SET completion_time = ?, failed = 1, failure_reason = ? WHERE uuid = ?;
`, formatTime(at), reason, taskID)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}
	return nil
}

// FailOpenTasks flags every task without a completion time as failed and
// returns how many were flagged.
func (s *Store) FailOpenTasks(ctx context.Context, reason string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE download_tasks SET completion_time = ?, failed = 1, failure_reason = ?
WHERE completion_time IS NULL;
`, formatTime(at), reason)
	if err != nil {
		return 0, fmt.Errorf("fail open tasks: %w", err)
	}
	return res.RowsAffected()
}

// Tasks returns the download tasks of a deposit, oldest first.
func (s *Store) Tasks(ctx context.Context, depositUUID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT uuid, deposit_uuid, downloads_attempted, downloads_completed, failed, failure_reason, created_at, completion_time
FROM download_tasks
WHERE deposit_uuid = ?
ORDER BY created_at, uuid;
`, depositUUID)
	if err != nil {
		return nil, fmt.Errorf("list download tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t              Task
			reason         sql.NullString
			createdAt      string
			completionTime sql.NullString
		)
		if err := rows.Scan(&t.UUID, &t.DepositUUID, &t.Attempted, &t.Completed, &t.Failed, &reason, &createdAt, &completionTime); err != nil {
			return nil, fmt.Errorf("scan download task: %w", err)
		}
		t.FailureReason = reason.String
		t.CreatedAt = parseTime(createdAt)
		t.CompletionTime = parseTimePtr(completionTime)
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row scanner) (*Deposit, error) {
	var (
		d                               Deposit
		spacePath, createdAt            string
		source, submittedPath           sql.NullString
		completion, intake, submittedAt sql.NullString
	)
	if err := row.Scan(&d.UUID, &d.SpaceUUID, &d.RelativePath, &spacePath, &d.Name, &source, &createdAt,
		&d.ReadyForFinalization, &completion, &intake, &submittedAt, &submittedPath); err != nil {
		return nil, err
	}
	d.Path = filepath.Join(spacePath, d.RelativePath)
	d.Source = source.String
	d.CreatedAt = parseTime(createdAt)
	d.CompletionTime = parseTimePtr(completion)
	d.LastIntakeAt = parseTimePtr(intake)
	d.SubmittedAt = parseTimePtr(submittedAt)
	d.SubmittedPath = submittedPath.String
	return &d, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
