package store

import (
	"context"

	"grading-pipeline/internal/memo"
	"grading-pipeline/internal/models"
)

// Accessor names used as memo key prefixes.
const (
	memoAssignmentByID = "assignments.by_id"
	memoAssignmentList = "assignments.list"
)

// assignmentSource is what the wrapper sits in front of; *Store satisfies it.
type assignmentSource interface {
	AssignmentReader
	UpdateAssignmentTestCode(ctx context.Context, id int, testCode string) error
}

// CachedAssignments memoizes the catalog point reads in front of the store.
// Only the pure catalog accessors are intercepted; NextAssignmentForUser
// depends on live submission state and always goes to the database. The
// write-through mutation invalidates every key it stales.
type CachedAssignments struct {
	store assignmentSource
	cache *memo.Cache
}

// NewCachedAssignments wraps the store's assignment accessors with a
// per-process read-through cache.
func NewCachedAssignments(st assignmentSource, cache *memo.Cache) *CachedAssignments {
	return &CachedAssignments{store: st, cache: cache}
}

func (c *CachedAssignments) GetAssignment(ctx context.Context, id int) (models.Assignment, error) {
	return memo.Get(c.cache, memo.Key(memoAssignmentByID, id), func() (models.Assignment, error) {
		return c.store.GetAssignment(ctx, id)
	})
}

func (c *CachedAssignments) ListAssignments(ctx context.Context) ([]models.Assignment, error) {
	return memo.Get(c.cache, memo.Key(memoAssignmentList), func() ([]models.Assignment, error) {
		return c.store.ListAssignments(ctx)
	})
}

func (c *CachedAssignments) NextAssignmentForUser(ctx context.Context, userUUID string) (models.Assignment, error) {
	return c.store.NextAssignmentForUser(ctx, userUUID)
}

// UpdateAssignmentTestCode writes through and drops the affected entries.
func (c *CachedAssignments) UpdateAssignmentTestCode(ctx context.Context, id int, testCode string) error {
	if err := c.store.UpdateAssignmentTestCode(ctx, id, testCode); err != nil {
		return err
	}
	c.cache.Invalidate(memo.Key(memoAssignmentByID, id))
	c.cache.InvalidateFunc(memoAssignmentList)
	return nil
}
