package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"grading-pipeline/internal/models"
)

// AssignmentReader is the read surface of the assignment catalog. The memoized
// wrapper in cached_assignments.go satisfies the same interface.
type AssignmentReader interface {
	GetAssignment(ctx context.Context, id int) (models.Assignment, error)
	ListAssignments(ctx context.Context) ([]models.Assignment, error)
	NextAssignmentForUser(ctx context.Context, userUUID string) (models.Assignment, error)
}

// GetAssignment fetches a catalog entry by id.
func (s *Store) GetAssignment(ctx context.Context, id int) (models.Assignment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, assignment_order, handout, test_code, created_at
		FROM assignments WHERE id = $1
	`, id)
	var a models.Assignment
	if err := row.Scan(&a.ID, &a.Title, &a.AssignmentOrder, &a.Handout, &a.TestCode, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Assignment{}, ErrNotFound
		}
		return models.Assignment{}, fmt.Errorf("scan assignment: %w", err)
	}
	return a, nil
}

// ListAssignments returns the catalog in course order.
func (s *Store) ListAssignments(ctx context.Context) ([]models.Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, assignment_order, handout, test_code, created_at
		FROM assignments ORDER BY assignment_order
	`)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.ID, &a.Title, &a.AssignmentOrder, &a.Handout, &a.TestCode, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// NextAssignmentForUser returns the first assignment, in course order, after
// the highest one the user has solved correctly. A user with no correct
// submissions gets the first assignment; a user who solved everything keeps
// the last one.
func (s *Store) NextAssignmentForUser(ctx context.Context, userUUID string) (models.Assignment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT a.id, a.title, a.assignment_order, a.handout, a.test_code, a.created_at
		FROM assignments a
		WHERE a.assignment_order > COALESCE((
			SELECT MAX(a2.assignment_order)
			FROM assignments a2
			JOIN submissions s ON s.assignment_id = a2.id
			WHERE s.user_uuid = $1 AND s.correct = TRUE
		), 0)
		ORDER BY a.assignment_order
		LIMIT 1
	`, userUUID)

	var a models.Assignment
	err := row.Scan(&a.ID, &a.Title, &a.AssignmentOrder, &a.Handout, &a.TestCode, &a.CreatedAt)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Assignment{}, fmt.Errorf("scan next assignment: %w", err)
	}

	// Everything solved: stay on the last assignment.
	row = s.pool.QueryRow(ctx, `
		SELECT id, title, assignment_order, handout, test_code, created_at
		FROM assignments ORDER BY assignment_order DESC LIMIT 1
	`)
	if err := row.Scan(&a.ID, &a.Title, &a.AssignmentOrder, &a.Handout, &a.TestCode, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Assignment{}, ErrNotFound
		}
		return models.Assignment{}, fmt.Errorf("scan last assignment: %w", err)
	}
	return a, nil
}

// UpdateAssignmentTestCode replaces the reference test code for an assignment.
// Dedup replays judged results without versioning test code, so an edit here
// silently stales prior verdicts; callers are expected to log that risk.
func (s *Store) UpdateAssignmentTestCode(ctx context.Context, id int, testCode string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE assignments SET test_code = $2 WHERE id = $1
	`, id, testCode)
	if err != nil {
		return fmt.Errorf("update test code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
