package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"grading-pipeline/internal/config"
	"grading-pipeline/internal/grader"
	"grading-pipeline/internal/models"
	"grading-pipeline/internal/telemetry"
)

// Feedback reported when the grading engine itself failed. Reporting a
// synthetic incorrect result keeps the submission out of a stuck-forever
// pending state.
const engineFailureFeedback = "The grader could not run this submission. Please submit again."

// TicketQueue is the queue surface the runner consumes.
type TicketQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (models.Ticket, bool, error)
	Ack(ctx context.Context, ticket models.Ticket) error
	Enqueue(ctx context.Context, ticket models.Ticket) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	IsQueued(ctx context.Context, submissionID string) (bool, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// SweepStore is the store surface the orphan sweep reads.
type SweepStore interface {
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Submission, error)
	GetAssignment(ctx context.Context, id int) (models.Assignment, error)
}

// Engine grades code against test code and returns raw output.
type Engine interface {
	Grade(ctx context.Context, code, testCode string) (string, error)
}

// ResultReporter delivers a grading outcome to the callback endpoint.
type ResultReporter interface {
	Report(ctx context.Context, ticket models.Ticket, result models.Result) error
}

// Runner drives the worker consumption loop:
// WAIT -> DEQUEUE -> GRADE -> REPORT -> ACK -> WAIT.
// Multiple runners compete on the same queue; the queue serializes delivery so
// no coordination between workers is needed.
type Runner struct {
	cfg      config.Config
	queue    TicketQueue
	store    SweepStore
	engine   Engine
	reporter ResultReporter
	logger   zerolog.Logger
	workerID string

	lastSweep time.Time
}

// NewRunner wires a worker runner.
func NewRunner(cfg config.Config, q TicketQueue, st SweepStore, engine Engine, reporter ResultReporter, workerID string, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		queue:    q,
		store:    st,
		engine:   engine,
		reporter: reporter,
		workerID: workerID,
		logger:   logger.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
	}
}

// Run loops until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.maybeSweep(ctx)

		ticket, ok, err := r.queue.Dequeue(ctx, r.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			// Timeout with nothing consumed; the log doubles as a liveness signal.
			r.logger.Info().Msg("queue empty, waiting")
			continue
		}

		r.process(ctx, ticket)
	}
}

// process grades one ticket and reports the outcome. The ticket is acked only
// after the callback is durably delivered (or is permanently undeliverable);
// otherwise it stays leased and the sweeper returns it to the queue.
func (r *Runner) process(ctx context.Context, ticket models.Ticket) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	logger := r.logger.With().
		Str("submission_id", ticket.SubmissionID).
		Int("assignment_id", ticket.AssignmentID).
		Logger()
	logger.Info().Msg("grading submission")

	result := r.grade(ctx, ticket, logger)

	if err := r.reporter.Report(ctx, ticket, result); err != nil {
		if errors.Is(err, errPermanent) {
			logger.Error().Err(err).Msg("callback permanently rejected, dropping ticket")
			if ackErr := r.queue.Ack(ctx, ticket); ackErr != nil {
				logger.Error().Err(ackErr).Msg("ack after permanent rejection failed")
			}
			return
		}
		// Leave the ticket leased; the sweeper re-delivers it once the
		// visibility window lapses.
		logger.Error().Err(err).Msg("callback delivery failed, ticket left for requeue")
		return
	}

	if err := r.queue.Ack(ctx, ticket); err != nil {
		logger.Error().Err(err).Msg("ack failed; ticket may be graded twice")
		return
	}
	telemetry.GradingSuccess.Inc()
	logger.Info().Bool("correct", result.Correct).Msg("submission graded")
}

func (r *Runner) grade(ctx context.Context, ticket models.Ticket, logger zerolog.Logger) models.Result {
	gradeCtx := ctx
	if r.cfg.GradingTimeout > 0 {
		var cancel context.CancelFunc
		gradeCtx, cancel = context.WithTimeout(ctx, r.cfg.GradingTimeout)
		defer cancel()
	}

	output, err := r.engine.Grade(gradeCtx, ticket.Code, ticket.TestCode)
	if err != nil {
		telemetry.GradingFailures.Inc()
		logger.Error().Err(err).Msg("grading engine failed, reporting synthetic incorrect")
		return models.Result{Feedback: engineFailureFeedback, Correct: false}
	}
	return models.Result{Feedback: output, Correct: grader.Classify(output)}
}

// maybeSweep runs the periodic reclamation pass: expired leases go back to the
// ready list and orphaned pending rows (insert succeeded, enqueue lost) are
// re-enqueued with the assignment's current test code.
func (r *Runner) maybeSweep(ctx context.Context) {
	if time.Since(r.lastSweep) < r.cfg.SweepInterval {
		return
	}
	r.lastSweep = time.Now()

	if reclaimed, err := r.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
		r.logger.Error().Err(err).Msg("lease sweep failed")
	} else if len(reclaimed) > 0 {
		telemetry.LeasesReclaimed.Add(float64(len(reclaimed)))
		r.logger.Warn().Strs("submission_ids", reclaimed).Msg("reclaimed expired leases")
	}

	r.sweepOrphans(ctx)

	if depth, err := r.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (r *Runner) sweepOrphans(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.OrphanAge)
	stale, err := r.store.ListPendingOlderThan(ctx, cutoff, 100)
	if err != nil {
		r.logger.Error().Err(err).Msg("orphan sweep query failed")
		return
	}

	for _, sub := range stale {
		queued, err := r.queue.IsQueued(ctx, sub.ID)
		if err != nil {
			r.logger.Error().Err(err).Msg("orphan sweep membership check failed")
			return
		}
		if queued {
			continue
		}

		assignment, err := r.store.GetAssignment(ctx, sub.AssignmentID)
		if err != nil {
			r.logger.Error().Err(err).Str("submission_id", sub.ID).Msg("orphan sweep assignment lookup failed")
			continue
		}
		ticket := models.Ticket{
			AssignmentID: sub.AssignmentID,
			SubmissionID: sub.ID,
			Code:         sub.Code,
			// The original enqueue's snapshot is gone with the ticket; the
			// current test code is the best available.
			TestCode: assignment.TestCode,
		}
		if err := r.queue.Enqueue(ctx, ticket); err != nil {
			r.logger.Error().Err(err).Str("submission_id", sub.ID).Msg("orphan re-enqueue failed")
			continue
		}
		telemetry.OrphansRequeued.Inc()
		r.logger.Warn().
			Str("submission_id", sub.ID).
			Str("pending_since", sub.CreatedAt.Format(time.RFC3339)).
			Msg("re-enqueued orphaned pending submission")
	}
}

// WorkerID derives a stable identifier for logs when none is configured.
func WorkerID(hostname string, pid int) string {
	if hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", pid)
}
