package store

import (
	"context"
	"testing"

	"grading-pipeline/internal/memo"
	"grading-pipeline/internal/models"
)

type countingSource struct {
	gets    int
	lists   int
	updates int
	catalog map[int]models.Assignment
}

func (c *countingSource) GetAssignment(_ context.Context, id int) (models.Assignment, error) {
	c.gets++
	a, ok := c.catalog[id]
	if !ok {
		return models.Assignment{}, ErrNotFound
	}
	return a, nil
}

func (c *countingSource) ListAssignments(_ context.Context) ([]models.Assignment, error) {
	c.lists++
	out := make([]models.Assignment, 0, len(c.catalog))
	for _, a := range c.catalog {
		out = append(out, a)
	}
	return out, nil
}

func (c *countingSource) NextAssignmentForUser(_ context.Context, _ string) (models.Assignment, error) {
	return c.catalog[1], nil
}

func (c *countingSource) UpdateAssignmentTestCode(_ context.Context, id int, testCode string) error {
	c.updates++
	a, ok := c.catalog[id]
	if !ok {
		return ErrNotFound
	}
	a.TestCode = testCode
	c.catalog[id] = a
	return nil
}

func newCountingSource() *countingSource {
	return &countingSource{catalog: map[int]models.Assignment{
		1: {ID: 1, Title: "Hello world", TestCode: "v1"},
	}}
}

func TestCachedAssignmentsMemoizesReads(t *testing.T) {
	ctx := context.Background()
	src := newCountingSource()
	cached := NewCachedAssignments(src, memo.New())

	for i := 0; i < 3; i++ {
		a, err := cached.GetAssignment(ctx, 1)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if a.TestCode != "v1" {
			t.Fatalf("unexpected test code %q", a.TestCode)
		}
	}
	if src.gets != 1 {
		t.Fatalf("store hit %d times, want 1", src.gets)
	}

	for i := 0; i < 2; i++ {
		if _, err := cached.ListAssignments(ctx); err != nil {
			t.Fatalf("list: %v", err)
		}
	}
	if src.lists != 1 {
		t.Fatalf("list hit store %d times, want 1", src.lists)
	}
}

func TestCachedAssignmentsInvalidatesOnUpdate(t *testing.T) {
	ctx := context.Background()
	src := newCountingSource()
	cached := NewCachedAssignments(src, memo.New())

	if _, err := cached.GetAssignment(ctx, 1); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := cached.ListAssignments(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}

	if err := cached.UpdateAssignmentTestCode(ctx, 1, "v2"); err != nil {
		t.Fatalf("update: %v", err)
	}

	a, err := cached.GetAssignment(ctx, 1)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if a.TestCode != "v2" {
		t.Fatalf("stale read after invalidation: %q", a.TestCode)
	}
	if _, err := cached.ListAssignments(ctx); err != nil {
		t.Fatalf("list after update: %v", err)
	}
	if src.lists != 2 {
		t.Fatalf("list not invalidated: %d store hits", src.lists)
	}
}

func TestCachedAssignmentsErrorsNotCached(t *testing.T) {
	ctx := context.Background()
	src := newCountingSource()
	cached := NewCachedAssignments(src, memo.New())

	if _, err := cached.GetAssignment(ctx, 42); err == nil {
		t.Fatal("expected not found")
	}
	if _, err := cached.GetAssignment(ctx, 42); err == nil {
		t.Fatal("expected not found on second call")
	}
	if src.gets != 2 {
		t.Fatalf("missing assignment cached: %d store hits", src.gets)
	}
}
