package minutes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"meetaudio-desktop/internal/taskerr"
)

// pollSession polls one minutes job. Its ctx is the cancellation token:
// once cancelled, or once the session is no longer the current one for its
// primary task, no further effect is applied.
type pollSession struct {
	id            string
	jobID         string
	primaryTaskID string
	ctx           context.Context
	cancel        context.CancelFunc
	run           *Run

	// deliverMu orders listener delivery against stopLocked; stopped is
	// set under it before the context is cancelled
	deliverMu sync.Mutex
	stopped   bool

	// owned by the poll goroutine
	attempts   int
	failures   int
	lastStatus JobStatus
	finished   bool
}

type jobStatus struct {
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Error    string    `json:"error"`
}

var statusText = map[JobStatus]string{
	JobPending:   "queued, waiting for the writer",
	JobRunning:   "analysing meeting content",
	JobCompleted: "minutes ready",
	JobFailed:    "minutes generation failed",
}

func (s *Service) poll(sess *pollSession) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] [%s] Poll session %s panicked: %v", sess.primaryTaskID, sess.id, r)
			s.finish(sess, Outcome{
				Status:  OutcomeFailed,
				Message: "internal error while polling minutes job",
				Err:     taskerr.Terminal(fmt.Sprintf("panic: %v", r), nil),
			})
		}
		// a cancelled session still releases Run waiters
		sess.run.complete(Outcome{
			Status:        OutcomeCancelled,
			JobID:         sess.jobID,
			PrimaryTaskID: sess.primaryTaskID,
			SessionID:     sess.id,
			Attempts:      sess.attempts,
		})
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			log.Printf("[DEBUG] [%s] Poll session %s cancelled after %d attempts", sess.primaryTaskID, sess.id, sess.attempts)
			return
		case <-ticker.C:
			if done := s.tick(sess); done {
				return
			}
		}
	}
}

// current reports whether sess may still apply effects
func (s *Service) current(sess *pollSession) bool {
	if sess.ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sess.primaryTaskID] == sess
}

// tick runs one poll step and reports whether the session is over
func (s *Service) tick(sess *pollSession) bool {
	if !s.current(sess) {
		return true
	}

	if s.expiry.IsExpired(sess.jobID) {
		log.Printf("[%s] ⚠ Minutes job %s is known to be gone, not polling", sess.primaryTaskID, sess.jobID)
		s.finish(sess, Outcome{
			Status:  OutcomeExpired,
			Message: "minutes job expired or no longer exists, please generate the minutes again",
			Err:     taskerr.Expired("minutes job " + sess.jobID + " is no longer known"),
		})
		return true
	}

	sess.attempts++
	status, err := s.fetchStatus(sess.ctx, sess.jobID)

	// responses that arrive after cancellation or supersession are dropped
	if !s.current(sess) {
		return true
	}

	if err != nil {
		sess.failures++
		kind := taskerr.KindOf(err)
		if kind == taskerr.KindTaskExpired {
			s.expiry.Mark(sess.jobID)
			log.Printf("[%s] ✗ Minutes job %s no longer exists on the server", sess.primaryTaskID, sess.jobID)
			s.finish(sess, Outcome{
				Status:  OutcomeExpired,
				Message: "minutes job expired or no longer exists, please generate the minutes again",
				Err:     asTaskErr(err),
			})
			return true
		}

		log.Printf("WARNING: [%s] Status query %d for job %s failed (%d in a row): %v",
			sess.primaryTaskID, sess.attempts, sess.jobID, sess.failures, err)
		if sess.failures >= s.cfg.MaxConsecutiveFailures {
			s.finish(sess, Outcome{
				Status:  OutcomeFailed,
				Message: fmt.Sprintf("status queries failed %d times in a row, please generate the minutes again", sess.failures),
				Err:     taskerr.Terminal("too many consecutive query failures", err),
			})
			return true
		}
	} else {
		sess.failures = 0
		s.progress(sess, status)

		switch status.Status {
		case JobCompleted:
			return s.complete(sess)
		case JobFailed:
			msg := status.Error
			if msg == "" {
				msg = "minutes generation failed"
			}
			log.Printf("[%s] ✗ Minutes job %s failed: %s", sess.primaryTaskID, sess.jobID, msg)
			s.finish(sess, Outcome{Status: OutcomeFailed, Message: msg, Err: taskerr.Terminal(msg, nil)})
			return true
		}
	}

	if sess.attempts >= s.cfg.MaxAttempts {
		log.Printf("[%s] ✗ Minutes job %s still unfinished after %d checks", sess.primaryTaskID, sess.jobID, sess.attempts)
		s.finish(sess, Outcome{
			Status:  OutcomeFailed,
			Message: fmt.Sprintf("minutes generation timed out after %d status checks, please try again later", sess.attempts),
			Err:     taskerr.Terminal("poll attempts exhausted", nil),
		})
		return true
	}
	return false
}

func (s *Service) fetchStatus(ctx context.Context, jobID string) (*jobStatus, error) {
	resp, err := s.client.Get(ctx, "api/async_task/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, taskerr.FromTransport("job status", err)
	}
	if !resp.IsSuccess() {
		return nil, taskerr.FromResponse(taskerr.PhaseJobStatus, resp.StatusCode(), resp.Body())
	}

	var body struct {
		Success    bool       `json:"success"`
		TaskStatus *jobStatus `json:"task_status"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, taskerr.Malformed(taskerr.PhaseJobStatus, err)
	}
	if !body.Success {
		return nil, taskerr.FromResponse(taskerr.PhaseJobStatus, resp.StatusCode(), resp.Body())
	}
	if body.TaskStatus == nil {
		return nil, taskerr.Malformed(taskerr.PhaseJobStatus, fmt.Errorf("missing task_status"))
	}

	st := body.TaskStatus
	if st.Progress < 0 {
		st.Progress = 0
	}
	if st.Progress > 100 {
		st.Progress = 100
	}
	return st, nil
}

func (s *Service) progress(sess *pollSession, st *jobStatus) {
	text, ok := statusText[st.Status]
	if !ok {
		text = string(st.Status)
	}

	if st.Status != sess.lastStatus {
		sess.lastStatus = st.Status
		log.Printf("[%s] Minutes job %s: %s (%d%%)", sess.primaryTaskID, sess.jobID, text, st.Progress)
		if !st.Status.terminal() {
			s.record(sess, st.Status, st.Progress, text, nil, false)
		}
	}

	if s.listener == nil {
		return
	}
	sess.deliverMu.Lock()
	defer sess.deliverMu.Unlock()
	// the record above may have blocked long enough for a cancel to land
	if sess.stopped || sess.ctx.Err() != nil {
		return
	}
	s.listener.JobProgress(Progress{
		JobID:     sess.jobID,
		SessionID: sess.id,
		Status:    st.Status,
		Progress:  st.Progress,
		Text:      text,
		Attempt:   sess.attempts,
	})
}

// complete fetches the minutes once the job reports completion
func (s *Service) complete(sess *pollSession) bool {
	m, err := s.FetchResult(sess.ctx, sess.jobID)
	if !s.current(sess) {
		return true
	}
	if err != nil {
		log.Printf("[%s] ✗ Could not fetch minutes of job %s: %v", sess.primaryTaskID, sess.jobID, err)
		e := asTaskErr(err)
		e.Kind = taskerr.KindTerminal
		s.finish(sess, Outcome{Status: OutcomeFailed, Message: "failed to retrieve the generated minutes", Err: e})
		return true
	}

	log.Printf("[%s] ✓ Minutes job %s completed after %d checks", sess.primaryTaskID, sess.jobID, sess.attempts)
	s.finish(sess, Outcome{Status: OutcomeCompleted, Minutes: m, Message: "minutes generated"})
	return true
}

// finish delivers the single terminal outcome of a session. It is a no-op
// when the session was cancelled or superseded, or already finished.
func (s *Service) finish(sess *pollSession, o Outcome) {
	s.mu.Lock()
	if sess.finished || s.sessions[sess.primaryTaskID] != sess || sess.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	sess.finished = true
	delete(s.sessions, sess.primaryTaskID)
	s.mu.Unlock()
	sess.cancel()

	o.JobID = sess.jobID
	o.PrimaryTaskID = sess.primaryTaskID
	o.SessionID = sess.id
	o.Attempts = sess.attempts

	status := JobFailed
	progress := 0
	if o.Status == OutcomeCompleted {
		status = JobCompleted
		progress = 100
	}
	if o.Status == OutcomeExpired {
		status = JobStatus(OutcomeExpired)
	}
	s.record(sess, status, progress, o.Message, o.Minutes, true)

	if s.listener != nil {
		s.listener.JobFinished(o)
	}
	sess.run.complete(o)
}

func (st JobStatus) terminal() bool {
	return st == JobCompleted || st == JobFailed
}

func asTaskErr(err error) *taskerr.Error {
	if e, ok := taskerr.As(err); ok {
		return e
	}
	return taskerr.Terminal(err.Error(), err)
}
