package minutes

import (
	"context"
	"sync"
	"time"

	"meetaudio-desktop/internal/taskerr"
)

// JobStatus is the server-reported state of a minutes job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// GenerationParams describe the meeting the minutes are written for
type GenerationParams struct {
	Topic             string   `json:"topic" validate:"max=200"`
	Date              string   `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time              string   `json:"time" validate:"max=32"`
	Location          string   `json:"location" validate:"max=200"`
	Host              string   `json:"host" validate:"max=100"`
	Attendees         []string `json:"attendees" validate:"max=200,dive,max=100"`
	Recorder          string   `json:"recorder" validate:"max=100"`
	FocusLastSpeakers bool     `json:"focus_last_speakers"`
	SpeakerCount      int      `json:"speaker_count" validate:"gte=0,lte=50"`
}

// Header is the meeting metadata echoed back with the minutes
type Header struct {
	Date      string   `json:"date,omitempty"`
	Time      string   `json:"time,omitempty"`
	Location  string   `json:"location,omitempty"`
	Host      string   `json:"host,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
	Recorder  string   `json:"recorder,omitempty"`
}

// Content is the body of the minutes
type Content struct {
	Summary           string            `json:"summary"`
	Decisions         []string          `json:"decisions"`
	ActionItems       []string          `json:"action_items"`
	Responsibilities  []string          `json:"responsibilities"`
	Deadlines         []string          `json:"deadlines"`
	LeadershipRemarks map[string]string `json:"leadership_remarks,omitempty"`
}

// Minutes is the structured result of a completed job
type Minutes struct {
	Title   string  `json:"title"`
	Header  Header  `json:"header"`
	Content Content `json:"content"`
}

// OutcomeStatus is how a PollSession ended
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeExpired   OutcomeStatus = "expired"
	OutcomeFailed    OutcomeStatus = "failed"
	// OutcomeCancelled is only visible through Run; listeners never see it
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is the single terminal report of a PollSession
type Outcome struct {
	Status        OutcomeStatus  `json:"status"`
	JobID         string         `json:"job_id"`
	PrimaryTaskID string         `json:"primary_task_id"`
	SessionID     string         `json:"session_id"`
	Attempts      int            `json:"attempts"`
	Minutes       *Minutes       `json:"minutes,omitempty"`
	Message       string         `json:"message,omitempty"`
	Err           *taskerr.Error `json:"-"`
}

// Progress is a non-terminal status update
type Progress struct {
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Text      string    `json:"text"`
	Attempt   int       `json:"attempt"`
}

// Listener receives poll updates. Calls come from the session goroutine,
// in order, and stop after JobFinished. No JobProgress is delivered once
// Cancel for the session has returned, so a listener must not cancel the
// session from inside JobProgress.
type Listener interface {
	JobProgress(p Progress)
	JobFinished(o Outcome)
}

// ExpiryTracker answers whether a job id is known to be gone and records
// ids the server confirmed unknown
type ExpiryTracker interface {
	IsExpired(jobID string) bool
	Mark(jobID string)
	Forget(jobID string)
}

// StaleFunc adapts a plain predicate into a read-only ExpiryTracker
type StaleFunc func(jobID string) bool

func (f StaleFunc) IsExpired(jobID string) bool { return f(jobID) }
func (f StaleFunc) Mark(string)                 {}
func (f StaleFunc) Forget(string)               {}

// PollConfig bounds a PollSession
type PollConfig struct {
	Interval               time.Duration
	MaxAttempts            int
	MaxConsecutiveFailures int
}

// Run is the handle of one submitted or tracked job. It carries the job id
// explicitly so exports never depend on ambient state.
type Run struct {
	JobID         string    `json:"job_id"`
	PrimaryTaskID string    `json:"primary_task_id"`
	SessionID     string    `json:"session_id"`
	StartedAt     time.Time `json:"started_at"`

	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func newRun(jobID, primaryTaskID, sessionID string, cancel context.CancelFunc) *Run {
	return &Run{
		JobID:         jobID,
		PrimaryTaskID: primaryTaskID,
		SessionID:     sessionID,
		StartedAt:     time.Now(),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

func (r *Run) complete(o Outcome) {
	r.once.Do(func() {
		r.outcome = o
		close(r.done)
	})
}

// Done is closed once the session has ended
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the terminal outcome once Done is closed
func (r *Run) Outcome() (Outcome, bool) {
	select {
	case <-r.done:
		return r.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the session ends or ctx is done
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel stops the session; no outcome reaches the listener afterwards
func (r *Run) Cancel() {
	r.cancel()
}
