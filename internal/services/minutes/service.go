package minutes

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"meetaudio-desktop/internal/api"
	"meetaudio-desktop/internal/cache"
	"meetaudio-desktop/internal/models"
	"meetaudio-desktop/internal/services/history"
	"meetaudio-desktop/internal/taskerr"
)

// ErrSubmitInProgress rejects a second generation request for a task whose
// previous request has not been acknowledged yet
var ErrSubmitInProgress = errors.New("minutes generation already being submitted")

// Recorder persists job lifecycle updates
type Recorder interface {
	Save(entry history.Entry) error
}

// Options configures a Service
type Options struct {
	Listener Listener      // optional
	Recorder Recorder      // optional
	Expiry   ExpiryTracker // defaults to an in-memory deny-list
	// BaseContext is the parent of every PollSession; cancelling it stops
	// all sessions. Defaults to context.Background().
	BaseContext context.Context
}

// Service submits minutes generation requests and runs one PollSession per
// primary task.
type Service struct {
	client   *api.Client
	cfg      PollConfig
	listener Listener
	recorder Recorder
	expiry   ExpiryTracker
	validate *validator.Validate
	baseCtx  context.Context

	mu         sync.Mutex
	sessions   map[string]*pollSession // keyed by primary task id
	submitting map[string]bool
}

// NewService creates a new minutes service
func NewService(client *api.Client, cfg PollConfig, opts Options) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 900
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 10
	}
	if opts.Expiry == nil {
		opts.Expiry = cache.NewExpiredSet(256)
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	return &Service{
		client:     client,
		cfg:        cfg,
		listener:   opts.Listener,
		recorder:   opts.Recorder,
		expiry:     opts.Expiry,
		validate:   validator.New(),
		baseCtx:    opts.BaseContext,
		sessions:   make(map[string]*pollSession),
		submitting: make(map[string]bool),
	}
}

// Generate asks the backend to write minutes for a completed primary task
// and starts polling the resulting job. Any session already running for the
// same task is cancelled first.
func (s *Service) Generate(ctx context.Context, primaryTaskID string, params GenerationParams) (*Run, error) {
	primaryTaskID = strings.TrimSpace(primaryTaskID)
	if primaryTaskID == "" {
		return nil, taskerr.Validation("a completed recognition task is required")
	}
	if err := s.validate.Struct(params); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, taskerr.Validation("invalid %s: failed %q check", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return nil, taskerr.Validation("invalid minutes parameters: %v", err)
	}

	s.mu.Lock()
	if s.submitting[primaryTaskID] {
		s.mu.Unlock()
		return nil, &taskerr.Error{Kind: taskerr.KindValidation, Message: primaryTaskID, Err: ErrSubmitInProgress}
	}
	s.submitting[primaryTaskID] = true
	s.stopLocked(primaryTaskID)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.submitting, primaryTaskID)
		s.mu.Unlock()
	}()

	jobID, err := s.submit(ctx, primaryTaskID, params)
	if err != nil {
		log.Printf("[ERROR] [%s] Minutes generation request failed: %v", primaryTaskID, err)
		return nil, err
	}

	// a fresh acknowledgement supersedes an earlier "unknown" verdict
	s.expiry.Forget(jobID)
	log.Printf("[%s] Minutes job %s accepted", primaryTaskID, jobID)
	return s.start(primaryTaskID, jobID, "minutes generation queued"), nil
}

func (s *Service) submit(ctx context.Context, primaryTaskID string, params GenerationParams) (string, error) {
	resp, err := s.client.Post(ctx, "api/generate_minutes/"+url.PathEscape(primaryTaskID), params)
	if err != nil {
		return "", taskerr.FromTransport("generate", err)
	}
	if !resp.IsSuccess() {
		return "", taskerr.FromResponse(taskerr.PhaseGenerate, resp.StatusCode(), resp.Body())
	}

	var body struct {
		Success     bool   `json:"success"`
		AsyncTaskID string `json:"async_task_id"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", taskerr.Malformed(taskerr.PhaseGenerate, err)
	}
	if !body.Success {
		return "", taskerr.FromResponse(taskerr.PhaseGenerate, resp.StatusCode(), resp.Body())
	}
	if body.AsyncTaskID == "" {
		return "", taskerr.Terminal("generation accepted without a job id", nil)
	}
	return body.AsyncTaskID, nil
}

// Track resumes polling a job submitted earlier (e.g. before a restart).
// A job id already known to be gone ends on the first tick without a request.
func (s *Service) Track(primaryTaskID, jobID string) (*Run, error) {
	primaryTaskID = strings.TrimSpace(primaryTaskID)
	jobID = strings.TrimSpace(jobID)
	if primaryTaskID == "" || jobID == "" {
		return nil, taskerr.Validation("primary task id and job id are required")
	}

	s.mu.Lock()
	if s.submitting[primaryTaskID] {
		s.mu.Unlock()
		return nil, &taskerr.Error{Kind: taskerr.KindValidation, Message: primaryTaskID, Err: ErrSubmitInProgress}
	}
	s.stopLocked(primaryTaskID)
	s.mu.Unlock()

	log.Printf("[%s] Resuming minutes job %s", primaryTaskID, jobID)
	return s.start(primaryTaskID, jobID, "minutes job resumed"), nil
}

func (s *Service) start(primaryTaskID, jobID, message string) *Run {
	ctx, cancel := context.WithCancel(s.baseCtx)
	sess := &pollSession{
		id:            uuid.New().String(),
		jobID:         jobID,
		primaryTaskID: primaryTaskID,
		ctx:           ctx,
		cancel:        cancel,
	}
	sess.run = newRun(jobID, primaryTaskID, sess.id, cancel)

	s.mu.Lock()
	s.stopLocked(primaryTaskID)
	s.sessions[primaryTaskID] = sess
	s.mu.Unlock()

	s.record(sess, JobPending, 0, message, nil, false)
	go s.poll(sess)
	return sess.run
}

// stopLocked cancels the current session of a primary task. The caller holds s.mu.
func (s *Service) stopLocked(primaryTaskID string) {
	sess, ok := s.sessions[primaryTaskID]
	if !ok {
		return
	}
	delete(s.sessions, primaryTaskID)
	// waits for an in-flight progress delivery to return
	sess.deliverMu.Lock()
	sess.stopped = true
	sess.deliverMu.Unlock()
	sess.cancel()
	log.Printf("[DEBUG] [%s] Stopped poll session %s for job %s", primaryTaskID, sess.id, sess.jobID)
}

// Cancel stops the session of a primary task. It reports whether one was running.
func (s *Service) Cancel(primaryTaskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[primaryTaskID]
	s.stopLocked(primaryTaskID)
	return ok
}

// CancelAll stops every running session
func (s *Service) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions {
		s.stopLocked(id)
	}
}

// Active returns the running session handle of a primary task
func (s *Service) Active(primaryTaskID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[primaryTaskID]
	if !ok {
		return nil, false
	}
	return sess.run, true
}

// ActiveCount returns the number of running sessions
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// FetchResult retrieves the minutes of a completed job. It makes exactly one
// request; any failure is terminal.
func (s *Service) FetchResult(ctx context.Context, jobID string) (*Minutes, error) {
	if jobID == "" {
		return nil, taskerr.Validation("job id is required")
	}

	resp, err := s.client.Get(ctx, "api/async_task/"+url.PathEscape(jobID)+"/result", nil)
	if err != nil {
		e := taskerr.FromTransport("job result", err)
		e.Kind = taskerr.KindTerminal
		return nil, e
	}
	if !resp.IsSuccess() {
		return nil, taskerr.FromResponse(taskerr.PhaseJobResult, resp.StatusCode(), resp.Body())
	}

	var body struct {
		Success     bool     `json:"success"`
		MinutesData *Minutes `json:"minutes_data"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, taskerr.Malformed(taskerr.PhaseJobResult, err)
	}
	if !body.Success {
		return nil, taskerr.FromResponse(taskerr.PhaseJobResult, resp.StatusCode(), resp.Body())
	}
	if body.MinutesData == nil {
		return nil, taskerr.Terminal("result contains no minutes", nil)
	}

	sanitize(body.MinutesData)
	return body.MinutesData, nil
}

func (s *Service) record(sess *pollSession, status JobStatus, progress int, message string, result *Minutes, finished bool) {
	if s.recorder == nil {
		return
	}
	entry := history.Entry{
		Kind:       models.KindMinutes,
		ExternalID: sess.jobID,
		ParentID:   sess.primaryTaskID,
		State:      string(status),
		Progress:   progress,
		Message:    message,
		Finished:   finished,
	}
	if result != nil {
		entry.Result = result
	}
	if err := s.recorder.Save(entry); err != nil {
		log.Printf("WARNING: Failed to record minutes job %s: %v", sess.jobID, err)
	}
}
