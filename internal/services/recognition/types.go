package recognition

import (
	"time"

	"meetaudio-desktop/internal/taskerr"
)

// State is the lifecycle state of a PrimaryTask. Transitions only move forward.
type State string

const (
	StateSubmitted State = "submitted"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
	StateExpired   State = "expired"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateExpired || s == StateFailed
}

// Features are the recognition switches sent with a submission
type Features struct {
	EnableITN      bool `json:"enable_itn"`
	EnablePunc     bool `json:"enable_punc"`
	EnableDDC      bool `json:"enable_ddc"`
	EnableSpeaker  bool `json:"enable_speaker"`
	ShowUtterances bool `json:"show_utterances"`
}

// DefaultFeatures matches the backend defaults
func DefaultFeatures() Features {
	return Features{
		EnableITN:      true,
		EnablePunc:     true,
		EnableSpeaker:  true,
		ShowUtterances: true,
	}
}

// SubmitRequest carries exactly one of an uploaded payload or a remote URL
type SubmitRequest struct {
	Payload  []byte   `json:"-"`
	FileName string   `json:"file_name,omitempty" validate:"max=255"`
	URL      string   `json:"url,omitempty" validate:"omitempty,url,startswith=http"`
	Format   string   `json:"format,omitempty" validate:"omitempty,oneof=mp3 wav m4a flac ogg aac webm"`
	Config   Features `json:"config"`
}

// Utterance is one speaker-attributed segment of the transcript
type Utterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"` // milliseconds
	EndTime   int64  `json:"end_time"`   // milliseconds
	SpeakerID string `json:"speaker_id,omitempty"`
	Definite  bool   `json:"definite,omitempty"`
}

// AudioInfo is the metadata the recogniser reports about the audio
type AudioInfo struct {
	Duration int64 `json:"duration"` // milliseconds
}

// Result is the transcript of a completed task
type Result struct {
	Text       string      `json:"text"`
	Utterances []Utterance `json:"utterances,omitempty"`
	AudioInfo  *AudioInfo  `json:"audio_info,omitempty"`
}

// DurationMs returns the reported audio duration, falling back to the end
// of the last utterance when the backend omits it
func (r *Result) DurationMs() int64 {
	if r == nil {
		return 0
	}
	if r.AudioInfo != nil && r.AudioInfo.Duration > 0 {
		return r.AudioInfo.Duration
	}
	if n := len(r.Utterances); n > 0 {
		return r.Utterances[n-1].EndTime
	}
	return 0
}

// SpeakerCount returns the number of distinct speakers in the utterances
func (r *Result) SpeakerCount() int {
	if r == nil {
		return 0
	}
	seen := make(map[string]struct{})
	for _, u := range r.Utterances {
		if u.SpeakerID != "" {
			seen[u.SpeakerID] = struct{}{}
		}
	}
	return len(seen)
}

// PrimaryTask is one transcription job as tracked locally
type PrimaryTask struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`       // URL or uploaded file name
	LocalUpload bool      `json:"local_upload"` // payload went to the backend's own storage
	Config      Features  `json:"config"`
	State       State     `json:"state"`
	History     []State   `json:"history"`
	Result      *Result   `json:"result,omitempty"`
	Message     string    `json:"message,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (t *PrimaryTask) clone() *PrimaryTask {
	c := *t
	c.History = append([]State(nil), t.History...)
	return &c
}

// OutcomeStatus is what a long wait ended with
type OutcomeStatus string

const (
	OutcomeCompleted  OutcomeStatus = "completed"
	OutcomeExpired    OutcomeStatus = "expired"
	OutcomeProcessing OutcomeStatus = "processing" // server wait elapsed, task still alive
	OutcomeFailed     OutcomeStatus = "failed"
)

// WaitOutcome is the single result of a long wait
type WaitOutcome struct {
	Status  OutcomeStatus  `json:"status"`
	TaskID  string         `json:"task_id"`
	Task    *PrimaryTask   `json:"task"`
	Result  *Result        `json:"result,omitempty"`
	Message string         `json:"message,omitempty"`
	Err     *taskerr.Error `json:"-"`
}

// QueryResult is a point-in-time snapshot. Exactly one of IsSuccess,
// IsProcessing and IsFailed is set.
type QueryResult struct {
	TaskID       string  `json:"task_id"`
	StatusCode   int64   `json:"status_code"`
	Message      string  `json:"message"`
	IsSuccess    bool    `json:"is_success"`
	IsProcessing bool    `json:"is_processing"`
	IsFailed     bool    `json:"is_failed"`
	Expired      bool    `json:"expired"`
	Result       *Result `json:"result,omitempty"`
}

// ASR service status codes reported by the query endpoint
const (
	codeSuccess     int64 = 20000000
	codeProcessing  int64 = 20000001
	codeQueued      int64 = 20000002
	codeUnknownTask int64 = 45000000
)
