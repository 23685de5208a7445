package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"grading-pipeline/internal/config"
	"grading-pipeline/internal/models"
	"grading-pipeline/internal/queue"
)

type fakeEngine struct {
	output string
	err    error
}

func (e *fakeEngine) Grade(_ context.Context, _, _ string) (string, error) {
	return e.output, e.err
}

type fakeReporter struct {
	err     error
	tickets []models.Ticket
	results []models.Result
}

func (r *fakeReporter) Report(_ context.Context, ticket models.Ticket, result models.Result) error {
	r.tickets = append(r.tickets, ticket)
	r.results = append(r.results, result)
	return r.err
}

type fakeSweepStore struct {
	pending     []models.Submission
	assignments map[int]models.Assignment
}

func (s *fakeSweepStore) ListPendingOlderThan(_ context.Context, _ time.Time, _ int) ([]models.Submission, error) {
	return s.pending, nil
}

func (s *fakeSweepStore) GetAssignment(_ context.Context, id int) (models.Assignment, error) {
	a, ok := s.assignments[id]
	if !ok {
		return models.Assignment{}, fmt.Errorf("assignment %d not found", id)
	}
	return a, nil
}

func newRunnerQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return queue.NewRedisQueue(config.Config{
		RedisAddr:         mr.Addr(),
		QueueName:         "grading_queue",
		VisibilityTimeout: time.Minute,
	})
}

func runnerConfig() config.Config {
	return config.Config{
		DequeueTimeout: time.Second,
		GradingTimeout: time.Second,
		SweepInterval:  time.Minute,
		OrphanAge:      time.Minute,
	}
}

func leasedTicket(t *testing.T, q *queue.RedisQueue, id string) models.Ticket {
	t.Helper()
	ctx := context.Background()
	tk := models.Ticket{AssignmentID: 1, SubmissionID: id, Code: "def hello(): return 1", TestCode: "import unittest"}
	if err := q.Enqueue(ctx, tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	return got
}

func TestProcessGradesReportsAndAcks(t *testing.T) {
	ctx := context.Background()
	q := newRunnerQueue(t)
	reporter := &fakeReporter{}
	engine := &fakeEngine{output: "Ran 1 test in 0.001s\n\nOK\n"}
	r := NewRunner(runnerConfig(), q, &fakeSweepStore{}, engine, reporter, "w1", zerolog.Nop())

	tk := leasedTicket(t, q, "sub-1")
	r.process(ctx, tk)

	if len(reporter.results) != 1 {
		t.Fatalf("expected one report, got %d", len(reporter.results))
	}
	if !reporter.results[0].Correct {
		t.Fatal("expected correct verdict for OK output")
	}
	if reporter.results[0].Feedback != engine.output {
		t.Fatalf("feedback should be the raw engine output, got %q", reporter.results[0].Feedback)
	}

	queued, err := q.IsQueued(ctx, "sub-1")
	if err != nil {
		t.Fatalf("is queued: %v", err)
	}
	if queued {
		t.Fatal("ticket not acked after successful report")
	}
}

func TestProcessReportsSyntheticIncorrectOnEngineFailure(t *testing.T) {
	ctx := context.Background()
	q := newRunnerQueue(t)
	reporter := &fakeReporter{}
	engine := &fakeEngine{err: errors.New("sandbox crashed")}
	r := NewRunner(runnerConfig(), q, &fakeSweepStore{}, engine, reporter, "w1", zerolog.Nop())

	r.process(ctx, leasedTicket(t, q, "sub-1"))

	if len(reporter.results) != 1 {
		t.Fatalf("expected one report, got %d", len(reporter.results))
	}
	if reporter.results[0].Correct {
		t.Fatal("engine failure must not produce a correct verdict")
	}
	if reporter.results[0].Feedback != engineFailureFeedback {
		t.Fatalf("unexpected feedback %q", reporter.results[0].Feedback)
	}
}

func TestProcessLeavesTicketLeasedOnDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	q := newRunnerQueue(t)
	reporter := &fakeReporter{err: errors.New("api unreachable")}
	r := NewRunner(runnerConfig(), q, &fakeSweepStore{}, &fakeEngine{output: "OK"}, reporter, "w1", zerolog.Nop())

	r.process(ctx, leasedTicket(t, q, "sub-1"))

	queued, err := q.IsQueued(ctx, "sub-1")
	if err != nil {
		t.Fatalf("is queued: %v", err)
	}
	if !queued {
		t.Fatal("undelivered ticket must stay tracked for requeue")
	}
}

func TestProcessAcksOnPermanentRejection(t *testing.T) {
	ctx := context.Background()
	q := newRunnerQueue(t)
	reporter := &fakeReporter{err: fmt.Errorf("submission unknown: %w", errPermanent)}
	r := NewRunner(runnerConfig(), q, &fakeSweepStore{}, &fakeEngine{output: "OK"}, reporter, "w1", zerolog.Nop())

	r.process(ctx, leasedTicket(t, q, "sub-1"))

	queued, err := q.IsQueued(ctx, "sub-1")
	if err != nil {
		t.Fatalf("is queued: %v", err)
	}
	if queued {
		t.Fatal("permanently rejected ticket must be dropped")
	}
}

func TestSweepOrphansReEnqueuesLostSubmissions(t *testing.T) {
	ctx := context.Background()
	q := newRunnerQueue(t)

	queuedSub := models.Ticket{AssignmentID: 1, SubmissionID: "already-queued", Code: "x", TestCode: "t"}
	if err := q.Enqueue(ctx, queuedSub); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	old := time.Now().Add(-time.Hour)
	st := &fakeSweepStore{
		pending: []models.Submission{
			{ID: "already-queued", AssignmentID: 1, Code: "x", Status: models.StatusPending, CreatedAt: old},
			{ID: "orphan", AssignmentID: 1, Code: "def hello(): return 1", Status: models.StatusPending, CreatedAt: old},
		},
		assignments: map[int]models.Assignment{
			1: {ID: 1, TestCode: "import unittest"},
		},
	}
	r := NewRunner(runnerConfig(), q, st, &fakeEngine{}, &fakeReporter{}, "w1", zerolog.Nop())

	r.sweepOrphans(ctx)

	queued, err := q.IsQueued(ctx, "orphan")
	if err != nil {
		t.Fatalf("is queued: %v", err)
	}
	if !queued {
		t.Fatal("orphaned pending submission was not re-enqueued")
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("ready depth = %d, want 2 (no duplicate for already-queued)", depth)
	}
}
