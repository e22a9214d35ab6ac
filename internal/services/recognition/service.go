package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"

	"meetaudio-desktop/internal/api"
	"meetaudio-desktop/internal/models"
	"meetaudio-desktop/internal/services/history"
	"meetaudio-desktop/internal/taskerr"
)

// Uploader turns a local recording into a URL the backend can fetch
type Uploader interface {
	UploadAudio(ctx context.Context, fileName string, data []byte, contentType string) (string, error)
}

// Recorder persists task lifecycle updates
type Recorder interface {
	Save(entry history.Entry) error
}

// Options configures a Service
type Options struct {
	WaitTimeout time.Duration // passed to the server as ?timeout=
	WaitGrace   time.Duration // extra client-side deadline on top of WaitTimeout
	Uploader    Uploader      // optional
	Recorder    Recorder      // optional
}

// Service submits recordings, waits for their transcripts and answers
// manual status probes.
type Service struct {
	client      *api.Client
	uploader    Uploader
	recorder    Recorder
	validate    *validator.Validate
	waitTimeout time.Duration
	waitGrace   time.Duration
	now         func() time.Time

	taskMu  sync.Mutex
	tasks   map[string]*PrimaryTask
	waiting map[string]context.CancelFunc // outstanding long waits by task id
}

// NewService creates a new recognition service
func NewService(client *api.Client, opts Options) *Service {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 1800 * time.Second
	}
	if opts.WaitGrace <= 0 {
		opts.WaitGrace = 60 * time.Second
	}
	return &Service{
		client:      client,
		uploader:    opts.Uploader,
		recorder:    opts.Recorder,
		validate:    validator.New(),
		waitTimeout: opts.WaitTimeout,
		waitGrace:   opts.WaitGrace,
		now:         time.Now,
		tasks:       make(map[string]*PrimaryTask),
		waiting:     make(map[string]context.CancelFunc),
	}
}

var supportedFormats = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"m4a":  "audio/mp4",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
	"aac":  "audio/aac",
	"webm": "audio/webm",
}

// Submit sends one recording for transcription. The returned task is in
// StateWaiting; nothing is tracked when the submission fails.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*PrimaryTask, error) {
	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}

	var (
		taskID      string
		source      string
		localUpload bool
		err         error
	)
	if len(req.Payload) > 0 {
		source = req.FileName
		taskID, localUpload, err = s.submitPayload(ctx, req)
	} else {
		source = req.URL
		taskID, err = s.submitURL(ctx, req.URL, req.Format, req.Config)
	}
	if err != nil {
		log.Printf("[ERROR] Submission of %s failed: %v", source, err)
		return nil, err
	}

	now := s.now()
	task := &PrimaryTask{
		ID:          taskID,
		Source:      source,
		LocalUpload: localUpload,
		Config:      req.Config,
		State:       StateSubmitted,
		History:     []State{StateSubmitted},
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	s.taskMu.Lock()
	if err := s.transitionLocked(task, StateWaiting); err != nil {
		s.taskMu.Unlock()
		return nil, err
	}
	s.tasks[taskID] = task
	snapshot := task.clone()
	s.taskMu.Unlock()

	log.Printf("[%s] Submitted %s (upload=%v)", taskID, source, localUpload)
	s.record(snapshot, "recognition task submitted", false)
	return snapshot, nil
}

func (s *Service) validateRequest(req *SubmitRequest) error {
	hasPayload := len(req.Payload) > 0
	hasURL := strings.TrimSpace(req.URL) != ""
	if hasPayload == hasURL {
		return taskerr.Validation("exactly one of an audio file or an audio URL is required")
	}
	req.URL = strings.TrimSpace(req.URL)
	if hasPayload && strings.TrimSpace(req.FileName) == "" {
		return taskerr.Validation("a file name is required for uploaded audio")
	}

	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return taskerr.Validation("invalid %s: failed %q check", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return taskerr.Validation("invalid submission: %v", err)
	}

	if req.Format == "" {
		req.Format = inferFormat(req.FileName, req.URL)
	}
	return nil
}

// inferFormat takes the extension of the file name or URL path, defaulting to wav
func inferFormat(fileName, rawURL string) string {
	name := fileName
	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = u.Path
		}
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if _, ok := supportedFormats[ext]; ok {
		return ext
	}
	return "wav"
}

func (s *Service) submitURL(ctx context.Context, audioURL, format string, features Features) (string, error) {
	payload := map[string]interface{}{
		"audio_url": audioURL,
		"format":    format,
		"config":    features,
	}
	resp, err := s.client.Post(ctx, "api/submit", payload)
	return decodeSubmit(resp, err)
}

// submitPayload goes through object storage when configured, falling back to
// the backend's own upload endpoint
func (s *Service) submitPayload(ctx context.Context, req SubmitRequest) (string, bool, error) {
	if s.uploader != nil {
		audioURL, err := s.uploader.UploadAudio(ctx, req.FileName, req.Payload, supportedFormats[req.Format])
		if err == nil {
			taskID, err := s.submitURL(ctx, audioURL, req.Format, req.Config)
			return taskID, false, err
		}
		log.Printf("WARNING: Object storage upload of %s failed, falling back to direct upload: %v", req.FileName, err)
	}

	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		return "", true, taskerr.Validation("invalid recognition config: %v", err)
	}

	resp, err := s.client.PostMultipart(ctx, "api/upload",
		map[string]string{
			"format": req.Format,
			"config": string(configJSON),
		},
		api.FilePart{Field: "audio_file", FileName: req.FileName, Reader: bytes.NewReader(req.Payload)},
	)
	taskID, err := decodeSubmit(resp, err)
	return taskID, true, err
}

func decodeSubmit(resp *resty.Response, err error) (string, error) {
	if err != nil {
		return "", taskerr.FromTransport("submit", err)
	}
	if !resp.IsSuccess() {
		return "", taskerr.FromResponse(taskerr.PhaseSubmit, resp.StatusCode(), resp.Body())
	}

	var body struct {
		Success bool   `json:"success"`
		TaskID  string `json:"task_id"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", taskerr.Malformed(taskerr.PhaseSubmit, err)
	}
	if !body.Success || body.TaskID == "" {
		return "", taskerr.FromResponse(taskerr.PhaseSubmit, resp.StatusCode(), resp.Body())
	}
	return body.TaskID, nil
}

// Wait blocks on the server-side long wait until the task completes, the
// server gives up, or ctx ends. Server-decided outcomes are returned as a
// WaitOutcome; a returned error means nothing was decided (validation or
// transport) and the task is still Waiting. A wait whose task is forgotten
// or reset meanwhile is aborted and returns ErrTaskForgotten.
func (s *Service) Wait(ctx context.Context, taskID string) (*WaitOutcome, error) {
	if taskID == "" {
		return nil, taskerr.Validation("task id is required")
	}

	s.taskMu.Lock()
	if _, busy := s.waiting[taskID]; busy {
		s.taskMu.Unlock()
		return nil, waitInProgress(taskID)
	}
	task, err := s.trackLocked(taskID)
	if err != nil {
		s.taskMu.Unlock()
		return nil, err
	}
	waitCtx, cancel := context.WithCancel(ctx)
	s.waiting[taskID] = cancel
	s.taskMu.Unlock()

	defer func() {
		cancel()
		s.taskMu.Lock()
		delete(s.waiting, taskID)
		s.taskMu.Unlock()
	}()

	params := map[string]string{"timeout": strconv.Itoa(int(s.waitTimeout.Seconds()))}
	resp, err := s.client.GetWithTimeout(waitCtx, "api/wait/"+url.PathEscape(taskID), params, s.waitTimeout+s.waitGrace)
	if err != nil {
		if s.detached(task) {
			log.Printf("[%s] Long wait abandoned, task was forgotten", taskID)
			return nil, forgotten(taskID)
		}
		log.Printf("[%s] Long wait interrupted: %v", taskID, err)
		return nil, taskerr.FromTransport("wait", err)
	}

	out := s.interpretWait(task, resp)
	if out == nil {
		log.Printf("[DEBUG] [%s] Dropping wait response for a forgotten task", taskID)
		return nil, forgotten(taskID)
	}
	return out, nil
}

func waitInProgress(taskID string) *taskerr.Error {
	return &taskerr.Error{Kind: taskerr.KindValidation, Message: taskID, Err: ErrWaitInProgress}
}

func forgotten(taskID string) *taskerr.Error {
	return &taskerr.Error{Kind: taskerr.KindValidation, Message: taskID, Err: ErrTaskForgotten}
}

// detached reports whether task is no longer the live entry for its id
func (s *Service) detached(task *PrimaryTask) bool {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	return s.tasks[task.ID] != task
}

// trackLocked returns the live task, adopting unknown ids (e.g. from history)
// as freshly submitted ones
func (s *Service) trackLocked(taskID string) (*PrimaryTask, error) {
	if task, ok := s.tasks[taskID]; ok {
		if task.State != StateWaiting {
			return nil, taskerr.Validation("task %s is %s", taskID, task.State)
		}
		return task, nil
	}

	now := s.now()
	task := &PrimaryTask{
		ID:          taskID,
		State:       StateSubmitted,
		History:     []State{StateSubmitted},
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := s.transitionLocked(task, StateWaiting); err != nil {
		return nil, err
	}
	s.tasks[taskID] = task
	return task, nil
}

// interpretWait returns nil when the task was forgotten before the response
// could be applied
func (s *Service) interpretWait(task *PrimaryTask, resp *resty.Response) *WaitOutcome {
	taskID := task.ID

	if resp.IsSuccess() {
		var body struct {
			Success bool    `json:"success"`
			Result  *Result `json:"result"`
		}
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return s.fail(task, taskerr.Malformed(taskerr.PhaseWait, err))
		}
		if body.Success && body.Result != nil {
			snapshot := s.finish(task, StateCompleted, body.Result, "recognition completed")
			if snapshot == nil {
				return nil
			}
			log.Printf("[%s] ✓ Recognition completed (%d utterances, %dms)", taskID, len(body.Result.Utterances), body.Result.DurationMs())
			return &WaitOutcome{Status: OutcomeCompleted, TaskID: taskID, Task: snapshot, Result: snapshot.Result}
		}
	}

	classified := taskerr.FromResponse(taskerr.PhaseWait, resp.StatusCode(), resp.Body())
	switch classified.Kind {
	case taskerr.KindServerTimeout:
		msg := fmt.Sprintf("recognition still in progress; query task %s later", taskID)
		classified.Message = msg
		log.Printf("[%s] ⚠ Server wait elapsed, task still processing", taskID)
		s.taskMu.Lock()
		if s.tasks[task.ID] != task {
			s.taskMu.Unlock()
			return nil
		}
		snapshot := task.clone()
		s.taskMu.Unlock()
		return &WaitOutcome{Status: OutcomeProcessing, TaskID: taskID, Task: snapshot, Message: msg, Err: classified}

	case taskerr.KindTaskExpired:
		msg := "task not found or expired, please resubmit the recording"
		if task.LocalUpload {
			msg = "task not found or expired; the recognition service may not be able to reach the uploaded file"
			classified.Hint = "submit a publicly accessible audio URL instead of a local file"
		}
		classified.Message = msg
		snapshot := s.finish(task, StateExpired, nil, msg)
		if snapshot == nil {
			return nil
		}
		log.Printf("[%s] ✗ Task expired (upload=%v)", taskID, task.LocalUpload)
		return &WaitOutcome{Status: OutcomeExpired, TaskID: taskID, Task: snapshot, Message: msg, Err: classified}
	}

	classified.Kind = taskerr.KindTerminal
	return s.fail(task, classified)
}

func (s *Service) fail(task *PrimaryTask, e *taskerr.Error) *WaitOutcome {
	msg := e.Message
	if msg == "" {
		msg = "recognition failed"
	}
	snapshot := s.finish(task, StateFailed, nil, msg)
	if snapshot == nil {
		return nil
	}
	log.Printf("[%s] ✗ Recognition failed: %v", task.ID, e)
	return &WaitOutcome{Status: OutcomeFailed, TaskID: task.ID, Task: snapshot, Message: msg, Err: e}
}

// finish applies a terminal transition and drops the task from the live
// registry. It returns nil without touching task or history when the task
// was forgotten or reset in the meantime.
func (s *Service) finish(task *PrimaryTask, state State, result *Result, message string) *PrimaryTask {
	s.taskMu.Lock()
	if s.tasks[task.ID] != task {
		s.taskMu.Unlock()
		return nil
	}
	if err := s.transitionLocked(task, state); err != nil {
		log.Printf("[ERROR] [%s] %v", task.ID, err)
	}
	task.Result = result
	task.Message = message
	snapshot := task.clone()
	delete(s.tasks, task.ID)
	s.taskMu.Unlock()

	s.record(snapshot, message, true)
	return snapshot
}

// Query asks the server for the task's current status. It never changes
// local state and is rejected while a long wait on the task is outstanding.
func (s *Service) Query(ctx context.Context, taskID string) (*QueryResult, error) {
	if taskID == "" {
		return nil, taskerr.Validation("task id is required")
	}

	s.taskMu.Lock()
	_, busy := s.waiting[taskID]
	s.taskMu.Unlock()
	if busy {
		return nil, waitInProgress(taskID)
	}

	resp, err := s.client.Get(ctx, "api/query/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, taskerr.FromTransport("query", err)
	}

	expired := &QueryResult{
		TaskID:   taskID,
		Message:  "task not found or expired",
		IsFailed: true,
		Expired:  true,
	}

	if resp.StatusCode() == http.StatusNotFound {
		return expired, nil
	}
	if !resp.IsSuccess() {
		classified := taskerr.FromResponse(taskerr.PhaseQuery, resp.StatusCode(), resp.Body())
		if classified.Kind == taskerr.KindTaskExpired {
			return expired, nil
		}
		return nil, classified
	}

	var body struct {
		Success      bool    `json:"success"`
		StatusCode   int64   `json:"status_code"`
		Message      string  `json:"message"`
		Error        string  `json:"error"`
		IsSuccess    bool    `json:"is_success"`
		IsProcessing bool    `json:"is_processing"`
		IsFailed     bool    `json:"is_failed"`
		Result       *Result `json:"result"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, taskerr.Malformed(taskerr.PhaseQuery, err)
	}

	if !body.Success {
		if taskerr.IndicatesUnknownTask(taskerr.ParseEnvelope(resp.Body())) {
			return expired, nil
		}
		msg := body.Error
		if msg == "" {
			msg = body.Message
		}
		return &QueryResult{TaskID: taskID, StatusCode: body.StatusCode, Message: msg, IsFailed: true}, nil
	}

	q := &QueryResult{
		TaskID:     taskID,
		StatusCode: body.StatusCode,
		Message:    body.Message,
		Result:     body.Result,
	}

	switch {
	case body.IsSuccess || (body.StatusCode == codeSuccess && !body.IsProcessing && !body.IsFailed):
		q.IsSuccess = true
	case body.IsProcessing || body.StatusCode == codeProcessing || body.StatusCode == codeQueued:
		q.IsProcessing = true
	default:
		q.IsFailed = true
		if body.StatusCode == codeUnknownTask && taskerr.IndicatesUnknownTask(taskerr.Envelope{Message: body.Message}) {
			q.Expired = true
		}
	}
	if q.IsSuccess && q.Result == nil {
		// a success without a transcript is not usable
		q.IsSuccess = false
		q.IsFailed = true
		q.Message = "query reported success without a result"
	}
	return q, nil
}

// Resolve applies the terminal answer of a manual query to the task,
// adopting it when it is not tracked yet. A processing result is rejected.
func (s *Service) Resolve(q *QueryResult) (*PrimaryTask, error) {
	if q == nil || q.TaskID == "" {
		return nil, taskerr.Validation("query result is required")
	}
	if q.IsProcessing {
		return nil, taskerr.Validation("task %s is still processing", q.TaskID)
	}

	s.taskMu.Lock()
	if _, busy := s.waiting[q.TaskID]; busy {
		s.taskMu.Unlock()
		return nil, waitInProgress(q.TaskID)
	}
	task, err := s.trackLocked(q.TaskID)
	s.taskMu.Unlock()
	if err != nil {
		return nil, err
	}

	var snapshot *PrimaryTask
	switch {
	case q.IsSuccess:
		snapshot = s.finish(task, StateCompleted, q.Result, "recognition completed (manual query)")
	case q.Expired:
		snapshot = s.finish(task, StateExpired, nil, q.Message)
	default:
		snapshot = s.finish(task, StateFailed, nil, q.Message)
	}
	if snapshot == nil {
		return nil, forgotten(q.TaskID)
	}
	return snapshot, nil
}

// Task returns a snapshot of a live task
func (s *Service) Task(taskID string) (*PrimaryTask, bool) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.clone(), true
}

// Tasks returns snapshots of all live tasks
func (s *Service) Tasks() []*PrimaryTask {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	out := make([]*PrimaryTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.clone())
	}
	return out
}

// Forget drops a live task without a terminal transition and aborts its
// long wait. It reports whether the task was live.
func (s *Service) Forget(taskID string) bool {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	_, ok := s.tasks[taskID]
	delete(s.tasks, taskID)
	if cancel, busy := s.waiting[taskID]; busy {
		cancel()
	}
	return ok
}

// Reset forgets every live task and aborts every outstanding long wait
func (s *Service) Reset() {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	s.tasks = make(map[string]*PrimaryTask)
	for _, cancel := range s.waiting {
		cancel()
	}
}

func (s *Service) record(task *PrimaryTask, message string, finished bool) {
	if s.recorder == nil {
		return
	}
	entry := history.Entry{
		Kind:       models.KindRecognition,
		ExternalID: task.ID,
		Source:     task.Source,
		State:      string(task.State),
		Progress:   progressFor(task.State),
		Message:    message,
		Finished:   finished,
	}
	if task.Result != nil {
		entry.Result = task.Result
	}
	if err := s.recorder.Save(entry); err != nil {
		log.Printf("WARNING: Failed to record task %s: %v", task.ID, err)
	}
}
