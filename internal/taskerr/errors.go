// Package taskerr classifies failures of the recognition and minutes
// pipelines into a small set of kinds that callers can branch on.
package taskerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the classification of a pipeline failure.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindSubmissionRejected Kind = "submission_rejected"
	KindTaskExpired        Kind = "task_expired"
	KindServerTimeout      Kind = "server_timeout"
	KindTransient          Kind = "transient_failure"
	KindTerminal           Kind = "terminal_failure"
)

// Sentinels for errors.Is matching on kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrSubmissionRejected = &Error{Kind: KindSubmissionRejected}
	ErrTaskExpired        = &Error{Kind: KindTaskExpired}
	ErrServerTimeout      = &Error{Kind: KindServerTimeout}
	ErrTransient          = &Error{Kind: KindTransient}
	ErrTerminal           = &Error{Kind: KindTerminal}
)

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Message    string
	Hint       string // remediation hint, set for dependency-unavailable rejections and local-upload expiry
	StatusCode int
	Code       string // structured error code from the response body, if any

	// DependencyUnavailable marks a SubmissionRejected caused by a missing
	// server-side dependency (object storage, unconfigured ASR) rather than bad input.
	DependencyUnavailable bool

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrTaskExpired) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err. Unclassified errors count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// As returns err as *Error when it is one.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Validation builds a local input error. Nothing was sent to the server.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Expired builds a TaskExpired error for an identifier the server no longer knows.
func Expired(message string) *Error {
	return &Error{Kind: KindTaskExpired, Message: message}
}

// Terminal builds a non-retryable failure.
func Terminal(message string, err error) *Error {
	return &Error{Kind: KindTerminal, Message: message, Err: err}
}

// FromTransport wraps a network-level error. Context cancellation stays
// distinguishable through errors.Is(err, context.Canceled).
func FromTransport(op string, err error) *Error {
	msg := fmt.Sprintf("%s: request failed", op)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("%s: request timed out", op)
	}
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

// Envelope is the common failure body returned by the meeting backend.
type Envelope struct {
	Success        *bool    `json:"success,omitempty"`
	ErrorText      string   `json:"error,omitempty"`
	ErrorCode      string   `json:"error_code,omitempty"`
	Code           string   `json:"code,omitempty"`
	Message        string   `json:"message,omitempty"`
	Suggestion     string   `json:"suggestion,omitempty"`
	Details        string   `json:"details,omitempty"`
	NeedConfig     bool     `json:"need_config,omitempty"`
	MissingConfigs []string `json:"missing_configs,omitempty"`
}

// ParseEnvelope decodes body leniently. Unparseable bodies yield an empty envelope.
func ParseEnvelope(body []byte) Envelope {
	var env Envelope
	if len(body) == 0 {
		return env
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}
	}
	return env
}

// Text returns the most specific human-readable failure text in the envelope.
func (e Envelope) Text() string {
	switch {
	case e.ErrorText != "":
		return e.ErrorText
	case e.Message != "":
		return e.Message
	case e.Details != "":
		return e.Details
	}
	return ""
}

// StructuredCode returns error_code or code, whichever is set.
func (e Envelope) StructuredCode() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return e.Code
}

var unknownTaskCodes = map[string]bool{
	"task_not_found": true,
	"TASK_NOT_FOUND": true,
	"task_expired":   true,
	"TASK_EXPIRED":   true,
}

// legacyUnknownMarkers are matched only when the server sends no structured
// code. Each names the task itself, so "audio file not found" does not count.
var legacyUnknownMarkers = []string{
	"任务不存在",
	"cannot find task",
	"task not found",
	"task does not exist",
}

// IndicatesUnknownTask reports whether a failure body means the server no
// longer knows the identifier. Structured codes win over text matching.
func IndicatesUnknownTask(env Envelope) bool {
	if code := env.StructuredCode(); code != "" {
		return unknownTaskCodes[code]
	}
	return textIndicatesUnknown(env.Text())
}

func textIndicatesUnknown(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, marker := range legacyUnknownMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Phase names the operation whose response is being classified.
type Phase string

const (
	PhaseSubmit    Phase = "submit"
	PhaseWait      Phase = "wait"
	PhaseQuery     Phase = "query"
	PhaseGenerate  Phase = "generate"
	PhaseJobStatus Phase = "job_status"
	PhaseJobResult Phase = "job_result"
	PhaseDownload  Phase = "download"
)

// FromResponse classifies a non-success HTTP response (or a 2xx carrying
// success=false) for the given phase.
func FromResponse(phase Phase, status int, body []byte) *Error {
	env := ParseEnvelope(body)
	text := env.Text()
	if text == "" {
		text = fmt.Sprintf("%s failed", phase)
	}

	e := &Error{
		Message:    text,
		StatusCode: status,
		Code:       env.StructuredCode(),
		Hint:       env.Suggestion,
	}

	switch phase {
	case PhaseSubmit, PhaseGenerate:
		switch {
		case status == http.StatusServiceUnavailable:
			e.Kind = KindSubmissionRejected
			e.DependencyUnavailable = true
		case env.NeedConfig:
			e.Kind = KindSubmissionRejected
			e.DependencyUnavailable = true
			if e.Hint == "" && len(env.MissingConfigs) > 0 {
				e.Hint = "missing configuration: " + strings.Join(env.MissingConfigs, ", ")
			}
		case status >= 500:
			e.Kind = KindTransient
		default:
			e.Kind = KindSubmissionRejected
		}

	case PhaseWait:
		switch {
		case status == http.StatusRequestTimeout:
			e.Kind = KindServerTimeout
		case status == http.StatusNotFound || IndicatesUnknownTask(env):
			e.Kind = KindTaskExpired
		case status >= 500:
			e.Kind = KindTransient
		default:
			e.Kind = KindTerminal
		}

	case PhaseQuery:
		switch {
		case status == http.StatusNotFound || IndicatesUnknownTask(env):
			e.Kind = KindTaskExpired
		case status >= 500:
			e.Kind = KindTransient
		default:
			e.Kind = KindTerminal
		}

	case PhaseJobStatus:
		// Everything except an unknown identifier is absorbed by the poller.
		if status == http.StatusNotFound || IndicatesUnknownTask(env) {
			e.Kind = KindTaskExpired
		} else {
			e.Kind = KindTransient
		}

	case PhaseDownload:
		if status == http.StatusTooManyRequests || status >= 500 {
			e.Kind = KindTransient
		} else {
			e.Kind = KindTerminal
		}

	default:
		e.Kind = KindTerminal
	}

	return e
}

// Malformed wraps a body that could not be decoded.
func Malformed(phase Phase, err error) *Error {
	kind := KindTerminal
	if phase == PhaseJobStatus {
		kind = KindTransient
	}
	return &Error{Kind: kind, Message: fmt.Sprintf("%s: malformed response", phase), Err: err}
}
