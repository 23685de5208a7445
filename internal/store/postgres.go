package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"grading-pipeline/internal/models"
)

// ErrNotFound is returned when an identifier resolves to no stored row.
var ErrNotFound = errors.New("not found")

// ErrUserHasPending is returned when the pending guard rejects an admission.
var ErrUserHasPending = errors.New("user has a pending submission")

const uniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateSubmissionParams collects inputs required to admit a submission.
type CreateSubmissionParams struct {
	AssignmentID int
	UserUUID     string
	Code         string
}

// CreatePending admits a submission in pending state. The pending guard is a
// single conditional insert: the row is written only if the user has no other
// pending submission, with the partial unique index as a backstop for
// concurrent admissions. Returns ErrUserHasPending when the guard rejects.
func (s *Store) CreatePending(ctx context.Context, p CreateSubmissionParams) (models.Submission, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO submissions (id, assignment_id, user_uuid, code, status, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM submissions WHERE user_uuid = $3 AND status = $7
		)
	`, id, p.AssignmentID, p.UserUUID, p.Code, models.StatusPending, now, models.StatusPending)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Submission{}, ErrUserHasPending
		}
		return models.Submission{}, fmt.Errorf("insert pending submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Submission{}, ErrUserHasPending
	}

	return models.Submission{
		ID:           id,
		AssignmentID: p.AssignmentID,
		UserUUID:     p.UserUUID,
		Code:         p.Code,
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// HasPending reports whether the user currently has a pending submission.
// Advisory read for early rejection; CreatePending re-checks atomically.
func (s *Store) HasPending(ctx context.Context, userUUID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM submissions WHERE user_uuid = $1 AND status = $2)
	`, userUUID, models.StatusPending).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query pending guard: %w", err)
	}
	return exists, nil
}

// CreateProcessed records a submission that bypassed the queue via the dedup
// shortcut, copying the matched verdict.
func (s *Store) CreateProcessed(ctx context.Context, p CreateSubmissionParams, prior models.PriorResult) (models.Submission, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO submissions (id, assignment_id, user_uuid, code, status, correct, grader_feedback, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.AssignmentID, p.UserUUID, p.Code, models.StatusProcessed, prior.Correct, prior.Feedback, now)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert processed submission: %w", err)
	}

	return models.Submission{
		ID:           id,
		AssignmentID: p.AssignmentID,
		UserUUID:     p.UserUUID,
		Code:         p.Code,
		Status:       models.StatusProcessed,
		Correct:      &prior.Correct,
		Feedback:     &prior.Feedback,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Delete removes a submission row. Compensation path only: the gateway unwinds
// its insert when the enqueue fails.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM submissions WHERE id = $1`, id)
	return err
}

// FindPriorResult looks for a processed submission with byte-identical code
// for the same assignment. The most recently processed match wins, on the
// assumption that later judgments reflect the current test suite.
func (s *Store) FindPriorResult(ctx context.Context, assignmentID int, code string) (models.PriorResult, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, correct, grader_feedback
		FROM submissions
		WHERE assignment_id = $1 AND code = $2 AND status = $3
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`, assignmentID, code, models.StatusProcessed)

	var prior models.PriorResult
	var correct pgtype.Bool
	var feedback pgtype.Text
	if err := row.Scan(&prior.SubmissionID, &correct, &feedback); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PriorResult{}, false, nil
		}
		return models.PriorResult{}, false, fmt.Errorf("query prior result: %w", err)
	}
	prior.Correct = correct.Bool
	prior.Feedback = feedback.String
	return prior, true, nil
}

// GetSubmission fetches a submission by id.
func (s *Store) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, assignment_id, user_uuid, code, status, correct, grader_feedback, created_at, updated_at
		FROM submissions WHERE id = $1
	`, id)
	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Submission{}, ErrNotFound
		}
		return models.Submission{}, fmt.Errorf("scan submission: %w", err)
	}
	return sub, nil
}

// MarkProcessed transitions a submission pending -> processed, setting the
// verdict and feedback atomically. The conditional update makes duplicate
// deliveries a no-op: applied is false when the row was already processed.
// Returns ErrNotFound when the id resolves to nothing.
func (s *Store) MarkProcessed(ctx context.Context, id string, feedback string, correct bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET status = $2, correct = $3, grader_feedback = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusProcessed, correct, feedback, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Either a duplicate delivery or an unknown id; disambiguate for the caller.
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM submissions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query submission status: %w", err)
	}
	return false, nil
}

// ListPendingOlderThan returns pending submissions created before the cutoff.
// Feeds the orphan sweep: rows whose enqueue was lost are re-enqueued.
func (s *Store) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Submission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, assignment_id, user_uuid, code, status, correct, grader_feedback, created_at, updated_at
		FROM submissions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, models.StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale pending: %w", err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

// ListByUser returns a user's submissions, newest first.
func (s *Store) ListByUser(ctx context.Context, userUUID string) ([]models.Submission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, assignment_id, user_uuid, code, status, correct, grader_feedback, created_at, updated_at
		FROM submissions
		WHERE user_uuid = $1
		ORDER BY created_at DESC
	`, userUUID)
	if err != nil {
		return nil, fmt.Errorf("query user submissions: %w", err)
	}
	defer rows.Close()
	return collectSubmissions(rows)
}

func collectSubmissions(rows pgx.Rows) ([]models.Submission, error) {
	var out []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubmission(row pgx.Row) (models.Submission, error) {
	var sub models.Submission
	var correct pgtype.Bool
	var feedback pgtype.Text
	if err := row.Scan(&sub.ID, &sub.AssignmentID, &sub.UserUUID, &sub.Code, &sub.Status,
		&correct, &feedback, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return models.Submission{}, err
	}
	if correct.Valid {
		sub.Correct = &correct.Bool
	}
	if feedback.Valid {
		sub.Feedback = &feedback.String
	}
	return sub, nil
}
