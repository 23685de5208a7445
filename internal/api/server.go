package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"grading-pipeline/internal/config"
	"grading-pipeline/internal/models"
	"grading-pipeline/internal/store"
	"grading-pipeline/internal/telemetry"
)

// SubmissionStore is the submission persistence surface the API needs.
type SubmissionStore interface {
	HasPending(ctx context.Context, userUUID string) (bool, error)
	CreatePending(ctx context.Context, p store.CreateSubmissionParams) (models.Submission, error)
	CreateProcessed(ctx context.Context, p store.CreateSubmissionParams, prior models.PriorResult) (models.Submission, error)
	Delete(ctx context.Context, id string) error
	FindPriorResult(ctx context.Context, assignmentID int, code string) (models.PriorResult, bool, error)
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
	MarkProcessed(ctx context.Context, id string, feedback string, correct bool) (bool, error)
	ListByUser(ctx context.Context, userUUID string) ([]models.Submission, error)
}

// AssignmentCatalog is the (memoized) catalog surface.
type AssignmentCatalog interface {
	store.AssignmentReader
	UpdateAssignmentTestCode(ctx context.Context, id int, testCode string) error
}

// TicketPublisher pushes grading tickets onto the queue.
type TicketPublisher interface {
	Enqueue(ctx context.Context, ticket models.Ticket) error
}

// Limiter throttles submission traffic per user.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires the HTTP handlers: submission gateway, status polling, the
// internal result callback, and assignment catalog reads.
type Server struct {
	cfg         config.Config
	store       SubmissionStore
	assignments AssignmentCatalog
	queue       TicketPublisher
	limiter     Limiter
	logger      zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st SubmissionStore, assignments AssignmentCatalog, q TicketPublisher, limiter Limiter, logger zerolog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		store:       st,
		assignments: assignments,
		queue:       q,
		limiter:     limiter,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/assignments", s.handleListAssignments)
	r.Get("/assignments/current", s.handleCurrentAssignment)
	r.Get("/assignments/{id}", s.handleGetAssignment)
	r.Put("/assignments/{id}/testcode", s.handleUpdateTestCode)

	r.Post("/assignments/{id}/submissions", s.handleSubmit)
	r.Get("/assignments/{aid}/submissions/{sid}/status", s.handleStatus)
	r.Get("/users/{uuid}/submissions", s.handleUserSubmissions)

	// Invoked by workers, not end users.
	r.Post("/internal/assignments/{aid}/submissions/{sid}", s.handleResultCallback)

	return r
}

type submitRequest struct {
	Code string `json:"code"`
	User string `json:"user"`
}

type submitResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

type rejectedResponse struct {
	UserHasPending bool `json:"user_has_pending"`
}

// handleSubmit is the submission gateway: pending guard, dedup shortcut, and
// enqueue. The caller gets an id back immediately and polls for completion
// unless the dedup shortcut already produced a processed row.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	assignmentID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid assignment id", http.StatusBadRequest)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Code == "" || req.User == "" {
		http.Error(w, "code and user are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, "rl:"+req.User)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	assignment, err := s.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "assignment not found", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Msg("assignment lookup failed")
		http.Error(w, "assignment lookup failed", http.StatusInternalServerError)
		return
	}

	pending, err := s.store.HasPending(ctx, req.User)
	if err != nil {
		s.logger.Error().Err(err).Msg("pending guard query failed")
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	}
	if pending {
		telemetry.SubmissionsRejected.Inc()
		writeJSON(w, http.StatusConflict, rejectedResponse{UserHasPending: true})
		return
	}

	params := store.CreateSubmissionParams{
		AssignmentID: assignmentID,
		UserUUID:     req.User,
		Code:         req.Code,
	}

	// Dedup shortcut: identical code already judged for this assignment.
	if prior, found, err := s.store.FindPriorResult(ctx, assignmentID, req.Code); err != nil {
		s.logger.Error().Err(err).Msg("dedup lookup failed")
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	} else if found {
		sub, err := s.store.CreateProcessed(ctx, params, prior)
		if err != nil {
			s.logger.Error().Err(err).Msg("dedup insert failed")
			http.Error(w, "submission failed", http.StatusInternalServerError)
			return
		}
		telemetry.DedupHits.Inc()
		telemetry.SubmissionsAccepted.Inc()
		s.logger.Info().
			Str("submission_id", sub.ID).
			Str("matched", prior.SubmissionID).
			Msg("submission answered from prior result")
		writeJSON(w, http.StatusAccepted, submitResponse{SubmissionID: sub.ID, Status: sub.Status})
		return
	}

	sub, err := s.store.CreatePending(ctx, params)
	if err != nil {
		if errors.Is(err, store.ErrUserHasPending) {
			telemetry.SubmissionsRejected.Inc()
			writeJSON(w, http.StatusConflict, rejectedResponse{UserHasPending: true})
			return
		}
		s.logger.Error().Err(err).Msg("submission insert failed")
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	}

	ticket := models.Ticket{
		AssignmentID: assignmentID,
		SubmissionID: sub.ID,
		Code:         req.Code,
		TestCode:     assignment.TestCode,
	}
	if err := s.queue.Enqueue(ctx, ticket); err != nil {
		// Unwind the insert so a failed enqueue does not leave an orphaned
		// pending row; the worker-side sweep covers the crash window.
		s.logger.Error().Err(err).Str("submission_id", sub.ID).Msg("enqueue failed, deleting submission")
		if delErr := s.store.Delete(ctx, sub.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("submission_id", sub.ID).Msg("compensating delete failed")
		}
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	}

	telemetry.SubmissionsAccepted.Inc()
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, submitResponse{SubmissionID: sub.ID, Status: sub.Status})
}

type statusResponse struct {
	Status   string  `json:"status"`
	Correct  *bool   `json:"correct,omitempty"`
	Feedback *string `json:"grader_feedback,omitempty"`
}

// handleStatus exposes the submission state machine to polling clients.
// Unknown ids are distinguished from pending so clients can detect malformed
// polling.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sid")
	sub, err := s.store.GetSubmission(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, statusResponse{Status: "unknown"})
			return
		}
		s.logger.Error().Err(err).Msg("status lookup failed")
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{Status: sub.Status}
	if sub.Processed() {
		resp.Correct = sub.Correct
		resp.Feedback = sub.Feedback
	}
	writeJSON(w, http.StatusOK, resp)
}

type callbackRequest struct {
	Feedback string `json:"grader_feedback"`
	Correct  bool   `json:"correct"`
}

// handleResultCallback transitions a submission pending -> processed. A
// duplicate delivery finds the row already processed and acks as a no-op.
func (s *Server) handleResultCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sid")

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	applied, err := s.store.MarkProcessed(r.Context(), id, req.Feedback, req.Correct)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, statusResponse{Status: "unknown"})
			return
		}
		s.logger.Error().Err(err).Str("submission_id", id).Msg("result callback failed")
		http.Error(w, "result callback failed", http.StatusInternalServerError)
		return
	}
	if !applied {
		s.logger.Info().Str("submission_id", id).Msg("duplicate result delivery ignored")
	}

	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// assignmentResponse omits the reference test code from public reads.
type assignmentResponse struct {
	ID              int    `json:"id"`
	Title           string `json:"title"`
	AssignmentOrder int    `json:"assignment_order"`
	Handout         string `json:"handout"`
}

func toAssignmentResponse(a models.Assignment) assignmentResponse {
	return assignmentResponse{
		ID:              a.ID,
		Title:           a.Title,
		AssignmentOrder: a.AssignmentOrder,
		Handout:         a.Handout,
	}
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.assignments.ListAssignments(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("assignment list failed")
		http.Error(w, "assignment list failed", http.StatusInternalServerError)
		return
	}
	out := make([]assignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, toAssignmentResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid assignment id", http.StatusBadRequest)
		return
	}
	assignment, err := s.assignments.GetAssignment(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "assignment not found", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Msg("assignment lookup failed")
		http.Error(w, "assignment lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

// handleCurrentAssignment returns the assignment the user should work on
// next: the one after their highest correctly solved assignment.
func (s *Server) handleCurrentAssignment(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	assignment, err := s.assignments.NextAssignmentForUser(r.Context(), user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "no assignments", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Msg("current assignment lookup failed")
		http.Error(w, "current assignment lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

type updateTestCodeRequest struct {
	TestCode string `json:"test_code"`
}

// handleUpdateTestCode is the ops route for editing an assignment's test
// suite. Prior verdicts replayed by the dedup shortcut are not versioned
// against test code, so an edit stales them silently; that risk is logged.
func (s *Server) handleUpdateTestCode(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid assignment id", http.StatusBadRequest)
		return
	}
	var req updateTestCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TestCode == "" {
		http.Error(w, "test_code is required", http.StatusBadRequest)
		return
	}

	if err := s.assignments.UpdateAssignmentTestCode(r.Context(), id, req.TestCode); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "assignment not found", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Msg("test code update failed")
		http.Error(w, "test code update failed", http.StatusInternalServerError)
		return
	}
	s.logger.Warn().Int("assignment_id", id).
		Msg("test code updated; previously judged results may no longer match the suite")
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleUserSubmissions(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "uuid")
	subs, err := s.store.ListByUser(r.Context(), user)
	if err != nil {
		s.logger.Error().Err(err).Msg("submission list failed")
		http.Error(w, "submission list failed", http.StatusInternalServerError)
		return
	}
	if subs == nil {
		subs = []models.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
