package models

import (
	"time"
)

// Submission status values persisted in Postgres. A submission is created pending
// and moves to processed exactly once; there is no failed state.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
)

// Submission is one graded (or to-be-graded) piece of user code.
type Submission struct {
	ID           string    `json:"id"`
	AssignmentID int       `json:"assignment_id"`
	UserUUID     string    `json:"user_uuid"`
	Code         string    `json:"code"`
	Status       string    `json:"status"`
	Correct      *bool     `json:"correct,omitempty"`
	Feedback     *string   `json:"grader_feedback,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Processed reports whether grading has finished.
func (s Submission) Processed() bool {
	return s.Status == StatusProcessed
}

// Assignment is a catalog entry with reference test code. Read-mostly: the
// pipeline only ever updates test_code through the ops route.
type Assignment struct {
	ID              int       `json:"id"`
	Title           string    `json:"title"`
	AssignmentOrder int       `json:"assignment_order"`
	Handout         string    `json:"handout"`
	TestCode        string    `json:"test_code"`
	CreatedAt       time.Time `json:"created_at"`
}

// Ticket is the ephemeral queue envelope for one grading job. The test code is
// snapshotted at enqueue time so a catalog edit cannot change an in-flight job.
type Ticket struct {
	AssignmentID int    `json:"assignment_id"`
	SubmissionID string `json:"submission_id"`
	Code         string `json:"code"`
	TestCode     string `json:"test_code"`
}

// Result is the grading outcome a worker reports back to the API.
type Result struct {
	Feedback string `json:"grader_feedback"`
	Correct  bool   `json:"correct"`
}

// PriorResult is a dedup match: the judged outcome of an earlier processed
// submission with byte-identical code for the same assignment.
type PriorResult struct {
	SubmissionID string
	Feedback     string
	Correct      bool
}
