package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetaudio-desktop/internal/api"
	"meetaudio-desktop/internal/services/minutes"
	"meetaudio-desktop/internal/services/recognition"
)

type recordingListener struct {
	mu     sync.Mutex
	states []recognition.State
}

func (l *recordingListener) TaskUpdated(task *recognition.PrimaryTask, wait *recognition.WaitOutcome) {
	l.mu.Lock()
	l.states = append(l.states, task.State)
	l.mu.Unlock()
}

func (l *recordingListener) seen() []recognition.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recognition.State(nil), l.states...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fakeBackend serves the meeting backend routes used by the runner
type fakeBackend struct {
	waitStatus   int
	queryBody    map[string]interface{}
	generated    int32
	speakerCount int32
	resultCalls  int32
	statusCalls  int32

	// when set, the long wait blocks on waitGate after closing waitEntered
	waitEntered chan struct{}
	waitGate    chan struct{}
}

func (b *fakeBackend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/submit":
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "task_id": "t1"})
		case "/api/wait/t1":
			if b.waitEntered != nil {
				close(b.waitEntered)
				<-b.waitGate
			}
			if b.waitStatus != 0 {
				writeJSON(w, b.waitStatus, map[string]interface{}{"success": false, "error": "still processing"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"result": map[string]interface{}{
					"text": "hello",
					"utterances": []map[string]interface{}{
						{"text": "hello", "start_time": 0, "end_time": 1000, "speaker_id": "1"},
						{"text": "hi", "start_time": 1000, "end_time": 1500, "speaker_id": "2"},
					},
				},
			})
		case "/api/query/t1":
			writeJSON(w, http.StatusOK, b.queryBody)
		case "/api/generate_minutes/t1":
			var params minutes.GenerationParams
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&params))
			atomic.StoreInt32(&b.speakerCount, int32(params.SpeakerCount))
			atomic.AddInt32(&b.generated, 1)
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "async_task_id": "minutes_t1"})
		case "/api/async_task/minutes_t1":
			n := atomic.AddInt32(&b.statusCalls, 1)
			sequence := []map[string]interface{}{
				{"status": "pending", "progress": 0},
				{"status": "running", "progress": 40},
				{"status": "running", "progress": 80},
				{"status": "completed", "progress": 100},
			}
			idx := int(n) - 1
			if idx >= len(sequence) {
				idx = len(sequence) - 1
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "task_status": sequence[idx]})
		case "/api/async_task/minutes_t1/result":
			// the result is only asked for after the completed tick
			assert.Equal(t, int32(4), atomic.LoadInt32(&b.statusCalls))
			atomic.AddInt32(&b.resultCalls, 1)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":      true,
				"minutes_data": map[string]interface{}{"title": "Sync", "content": map[string]interface{}{"summary": "ok"}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}
}

func newTestRunner(t *testing.T, backend *fakeBackend, listener TaskListener) *Runner {
	t.Helper()
	server := httptest.NewServer(backend.handler(t))
	t.Cleanup(server.Close)

	client := api.NewClient(server.URL, api.Options{})
	rec := recognition.NewService(client, recognition.Options{WaitTimeout: time.Second, WaitGrace: time.Second})
	mins := minutes.NewService(client, minutes.PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 20, MaxConsecutiveFailures: 3}, minutes.Options{})
	t.Cleanup(mins.CancelAll)
	return NewRunner(rec, mins, listener)
}

func awaitRun(t *testing.T, run *minutes.Run) minutes.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := run.Wait(ctx)
	require.NoError(t, err)
	return outcome
}

func TestProcess(t *testing.T) {
	t.Run("Should chain transcription into minutes", func(t *testing.T) {
		backend := &fakeBackend{}
		listener := &recordingListener{}
		runner := newTestRunner(t, backend, listener)

		step, err := runner.Process(context.Background(),
			recognition.SubmitRequest{URL: "http://x/a.wav", Config: recognition.Features{EnableSpeaker: true}},
			&minutes.GenerationParams{Topic: "Sync"})
		require.NoError(t, err)

		assert.Equal(t, recognition.StateCompleted, step.Task.State)
		assert.Equal(t, int64(1500), step.Task.Result.DurationMs())
		require.NotNil(t, step.Minutes)
		assert.Equal(t, "minutes_t1", step.Minutes.JobID)
		assert.Equal(t, "t1", step.Minutes.PrimaryTaskID)

		outcome := awaitRun(t, step.Minutes)
		assert.Equal(t, minutes.OutcomeCompleted, outcome.Status)
		assert.Equal(t, "Sync", outcome.Minutes.Title)
		assert.Equal(t, int32(1), atomic.LoadInt32(&backend.resultCalls))
		assert.Equal(t, int32(2), atomic.LoadInt32(&backend.speakerCount))

		assert.Equal(t, []recognition.State{recognition.StateWaiting, recognition.StateCompleted}, listener.seen())
	})

	t.Run("Should skip minutes without parameters", func(t *testing.T) {
		backend := &fakeBackend{}
		runner := newTestRunner(t, backend, nil)

		step, err := runner.Process(context.Background(), recognition.SubmitRequest{URL: "http://x/a.wav"}, nil)
		require.NoError(t, err)

		assert.Equal(t, recognition.StateCompleted, step.Task.State)
		assert.Nil(t, step.Minutes)
		assert.Equal(t, int32(0), atomic.LoadInt32(&backend.generated))
	})

	t.Run("Should not generate when the server wait elapses", func(t *testing.T) {
		backend := &fakeBackend{waitStatus: http.StatusRequestTimeout}
		runner := newTestRunner(t, backend, nil)

		step, err := runner.Process(context.Background(), recognition.SubmitRequest{URL: "http://x/a.wav"}, &minutes.GenerationParams{})
		require.NoError(t, err)

		assert.Equal(t, recognition.OutcomeProcessing, step.Wait.Status)
		assert.Equal(t, "t1", step.Wait.TaskID)
		assert.Equal(t, recognition.StateWaiting, step.Task.State)
		assert.Nil(t, step.Minutes)
		assert.Equal(t, int32(0), atomic.LoadInt32(&backend.generated))
	})
}

func TestRecover(t *testing.T) {
	t.Run("Should leave a processing task alone", func(t *testing.T) {
		backend := &fakeBackend{queryBody: map[string]interface{}{
			"success": true, "status_code": 20000001, "is_processing": true,
		}}
		runner := newTestRunner(t, backend, nil)

		step, err := runner.Recover(context.Background(), "t1", &minutes.GenerationParams{})
		require.NoError(t, err)

		assert.True(t, step.Query.IsProcessing)
		assert.Nil(t, step.Task)
		assert.Nil(t, step.Minutes)
	})

	t.Run("Should adopt a completed task and generate minutes", func(t *testing.T) {
		backend := &fakeBackend{queryBody: map[string]interface{}{
			"success": true, "status_code": 20000000, "is_success": true,
			"result": map[string]interface{}{"text": "hello"},
		}}
		runner := newTestRunner(t, backend, nil)

		step, err := runner.Recover(context.Background(), "t1", &minutes.GenerationParams{})
		require.NoError(t, err)

		assert.Equal(t, recognition.StateCompleted, step.Task.State)
		require.NotNil(t, step.Minutes)
		assert.Equal(t, minutes.OutcomeCompleted, awaitRun(t, step.Minutes).Status)
	})

	t.Run("Should report a failed task without generating", func(t *testing.T) {
		backend := &fakeBackend{queryBody: map[string]interface{}{
			"success": true, "status_code": 45000001, "is_failed": true, "message": "decode error",
		}}
		runner := newTestRunner(t, backend, nil)

		step, err := runner.Recover(context.Background(), "t1", &minutes.GenerationParams{})
		require.NoError(t, err)

		assert.Equal(t, recognition.StateFailed, step.Task.State)
		assert.Nil(t, step.Minutes)
		assert.Equal(t, int32(0), atomic.LoadInt32(&backend.generated))
	})
}

func TestGenerateAndReset(t *testing.T) {
	t.Run("Should refuse minutes for an unfinished task", func(t *testing.T) {
		runner := newTestRunner(t, &fakeBackend{}, nil)

		_, err := runner.Generate(context.Background(), &recognition.PrimaryTask{ID: "t1", State: recognition.StateWaiting}, minutes.GenerationParams{})
		assert.Error(t, err)
	})

	t.Run("Should forget live tasks on reset", func(t *testing.T) {
		runner := newTestRunner(t, &fakeBackend{}, nil)

		_, err := runner.Submit(context.Background(), recognition.SubmitRequest{URL: "http://x/a.wav"})
		require.NoError(t, err)

		runner.Reset()
		_, ok := runner.recognition.Task("t1")
		assert.False(t, ok)
	})

	t.Run("Should forget a single task and report whether it was live", func(t *testing.T) {
		runner := newTestRunner(t, &fakeBackend{}, nil)

		_, err := runner.Submit(context.Background(), recognition.SubmitRequest{URL: "http://x/a.wav"})
		require.NoError(t, err)

		assert.True(t, runner.Forget("t1"))
		_, ok := runner.recognition.Task("t1")
		assert.False(t, ok)
		assert.False(t, runner.Forget("t1"))
	})

	t.Run("Should not generate minutes for a task reset during its long wait", func(t *testing.T) {
		backend := &fakeBackend{waitEntered: make(chan struct{}), waitGate: make(chan struct{})}
		runner := newTestRunner(t, backend, nil)
		t.Cleanup(func() { close(backend.waitGate) })

		_, err := runner.Submit(context.Background(), recognition.SubmitRequest{URL: "http://x/a.wav"})
		require.NoError(t, err)

		type continued struct {
			step *Step
			err  error
		}
		results := make(chan continued, 1)
		go func() {
			step, err := runner.Continue(context.Background(), "t1", &minutes.GenerationParams{})
			results <- continued{step, err}
		}()
		<-backend.waitEntered

		runner.Reset()

		select {
		case res := <-results:
			require.Error(t, res.err)
			assert.True(t, errors.Is(res.err, recognition.ErrTaskForgotten))
			assert.Nil(t, res.step)
		case <-time.After(3 * time.Second):
			t.Fatal("long wait survived the reset")
		}
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), atomic.LoadInt32(&backend.generated))
		assert.Equal(t, 0, runner.minutes.ActiveCount())
	})
}
