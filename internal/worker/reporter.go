package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"grading-pipeline/internal/models"
	"grading-pipeline/internal/telemetry"
)

// errPermanent marks callback failures that no retry can fix, such as a
// submission id the API does not know.
var errPermanent = errors.New("permanent callback failure")

// Reporter delivers grading outcomes to the API's internal callback route,
// retrying transient failures with capped exponential backoff. Losing this
// call strands a submission in pending forever, so delivery is retried until
// the attempt budget runs out and the caller leaves the ticket leased for the
// sweeper.
type Reporter struct {
	baseURL        string
	client         *http.Client
	attempts       int
	backoffInitial time.Duration
	backoffMax     time.Duration
	logger         zerolog.Logger
}

// NewReporter builds a callback reporter for the given API base URL.
func NewReporter(baseURL string, attempts int, backoffInitial, backoffMax time.Duration, logger zerolog.Logger) *Reporter {
	if attempts <= 0 {
		attempts = 5
	}
	if backoffInitial == 0 {
		backoffInitial = time.Second
	}
	if backoffMax == 0 {
		backoffMax = 30 * time.Second
	}
	return &Reporter{
		baseURL:        baseURL,
		client:         &http.Client{Timeout: 10 * time.Second},
		attempts:       attempts,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
		logger:         logger.With().Str("component", "reporter").Logger(),
	}
}

// Report posts the result for one ticket. A nil error means the outcome was
// durably accepted (first delivery or idempotent duplicate). errPermanent is
// wrapped into the error for failures not worth requeueing.
func (r *Reporter) Report(ctx context.Context, ticket models.Ticket, result models.Result) error {
	url := fmt.Sprintf("%s/internal/assignments/%d/submissions/%s",
		r.baseURL, ticket.AssignmentID, ticket.SubmissionID)

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			telemetry.CallbackRetries.Inc()
			wait := backoffWithJitter(r.backoffInitial, r.backoffMax, attempt-1)
			r.logger.Warn().
				Str("submission_id", ticket.SubmissionID).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(lastErr).
				Msg("retrying result callback")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = r.deliver(ctx, url, body)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errPermanent) {
			return lastErr
		}
	}
	return fmt.Errorf("callback not delivered after %d attempts: %w", r.attempts, lastErr)
}

func (r *Reporter) deliver(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("submission unknown to API: %w", errPermanent)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("callback rejected with status %d: %w", resp.StatusCode, errPermanent)
	default:
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
