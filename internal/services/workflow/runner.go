// Package workflow chains transcription and minutes generation: submit,
// long wait, generate on completion, then poll the minutes job.
package workflow

import (
	"context"
	"log"

	"meetaudio-desktop/internal/services/minutes"
	"meetaudio-desktop/internal/services/recognition"
	"meetaudio-desktop/internal/taskerr"
)

// TaskListener is told about every PrimaryTask change the runner applies.
// wait is nil for changes that did not come from a long wait.
type TaskListener interface {
	TaskUpdated(task *recognition.PrimaryTask, wait *recognition.WaitOutcome)
}

// Step reports what one runner call did. Minutes is set when a minutes job
// was started; its Done channel delivers the final outcome.
type Step struct {
	Task    *recognition.PrimaryTask `json:"task,omitempty"`
	Wait    *recognition.WaitOutcome `json:"wait,omitempty"`
	Query   *recognition.QueryResult `json:"query,omitempty"`
	Minutes *minutes.Run             `json:"minutes,omitempty"`
}

// Runner drives a PrimaryTask through to its minutes
type Runner struct {
	recognition *recognition.Service
	minutes     *minutes.Service
	listener    TaskListener
}

// NewRunner creates a runner. listener may be nil.
func NewRunner(rec *recognition.Service, mins *minutes.Service, listener TaskListener) *Runner {
	return &Runner{recognition: rec, minutes: mins, listener: listener}
}

// Submit sends a recording and returns the task in StateWaiting
func (r *Runner) Submit(ctx context.Context, req recognition.SubmitRequest) (*recognition.PrimaryTask, error) {
	task, err := r.recognition.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	r.notify(task, nil)
	return task, nil
}

// Process submits a recording and continues it. params nil skips minutes.
func (r *Runner) Process(ctx context.Context, req recognition.SubmitRequest, params *minutes.GenerationParams) (*Step, error) {
	task, err := r.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Continue(ctx, task.ID, params)
}

// Continue long-waits on a task and, once it completes, starts minutes
// generation with params. A ServerTimeout leaves the task Waiting and is
// reported in Step.Wait; nothing retries it automatically.
func (r *Runner) Continue(ctx context.Context, taskID string, params *minutes.GenerationParams) (*Step, error) {
	out, err := r.recognition.Wait(ctx, taskID)
	if err != nil {
		return nil, err
	}
	r.notify(out.Task, out)

	step := &Step{Task: out.Task, Wait: out}
	if out.Status != recognition.OutcomeCompleted || params == nil {
		return step, nil
	}

	run, err := r.generate(ctx, out.Task, *params)
	if err != nil {
		return step, err
	}
	step.Minutes = run
	return step, nil
}

// Resume re-issues the long wait for a task the server reported as still
// processing
func (r *Runner) Resume(ctx context.Context, taskID string, params *minutes.GenerationParams) (*Step, error) {
	log.Printf("[%s] Resuming long wait", taskID)
	return r.Continue(ctx, taskID, params)
}

// Recover probes a task with a point query, e.g. after a ServerTimeout or
// for an id restored from history. A processing answer changes nothing;
// a terminal one is applied, and a completed task goes on to minutes.
func (r *Runner) Recover(ctx context.Context, taskID string, params *minutes.GenerationParams) (*Step, error) {
	q, err := r.recognition.Query(ctx, taskID)
	if err != nil {
		return nil, err
	}

	step := &Step{Query: q}
	if q.IsProcessing {
		log.Printf("[%s] Manual query: still processing", taskID)
		return step, nil
	}

	task, err := r.recognition.Resolve(q)
	if err != nil {
		return step, err
	}
	step.Task = task
	r.notify(task, nil)

	if task.State != recognition.StateCompleted || params == nil {
		return step, nil
	}

	run, err := r.generate(ctx, task, *params)
	if err != nil {
		return step, err
	}
	step.Minutes = run
	return step, nil
}

// Generate starts minutes for a task that is already completed
func (r *Runner) Generate(ctx context.Context, task *recognition.PrimaryTask, params minutes.GenerationParams) (*minutes.Run, error) {
	if task == nil || task.State != recognition.StateCompleted {
		return nil, taskerr.Validation("minutes need a completed transcription")
	}
	return r.generate(ctx, task, params)
}

func (r *Runner) generate(ctx context.Context, task *recognition.PrimaryTask, params minutes.GenerationParams) (*minutes.Run, error) {
	if params.SpeakerCount == 0 && task.Result != nil {
		params.SpeakerCount = task.Result.SpeakerCount()
	}
	return r.minutes.Generate(ctx, task.ID, params)
}

// Forget abandons one task: its minutes session is cancelled and its long
// wait, if any, is aborted. It reports whether anything was running.
func (r *Runner) Forget(taskID string) bool {
	polling := r.minutes.Cancel(taskID)
	live := r.recognition.Forget(taskID)
	if polling || live {
		log.Printf("[%s] Task forgotten", taskID)
	}
	return polling || live
}

// Reset cancels every poll session, aborts every long wait and forgets all
// live tasks
func (r *Runner) Reset() {
	r.minutes.CancelAll()
	r.recognition.Reset()
	log.Println("Workflow reset: all sessions cancelled")
}

func (r *Runner) notify(task *recognition.PrimaryTask, wait *recognition.WaitOutcome) {
	if r.listener != nil && task != nil {
		r.listener.TaskUpdated(task, wait)
	}
}
