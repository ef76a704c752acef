// Package core defines the domain types and the interfaces between the speechie components.
package core

import (
	"context"
	"errors"
)

// Error taxonomy shared by every component.
var (
	// ErrTransport indicates a non-success HTTP status, malformed body or network failure.
	ErrTransport = errors.New("transport error")
	// ErrTaskFailed indicates the remote service reported the synthesis task as failed.
	ErrTaskFailed = errors.New("audio synthesis failed")
	// ErrTimedOut indicates the polling deadline passed without a terminal status.
	ErrTimedOut = errors.New("polling timed out")
	// ErrMissingAPIKey indicates that no API key is configured.
	ErrMissingAPIKey = errors.New("api key not set")
	// ErrSurfaceUnreachable indicates that no listener exists on the other side of a boundary.
	ErrSurfaceUnreachable = errors.New("receiving end does not exist")
)

// TaskStatus is the remote lifecycle state of a synthesis task.
type TaskStatus string

// Remote task states.
const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Valid reports whether the status is one the remote service documents.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further status change is expected.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SynthesisRequest is one submission to the remote service.
type SynthesisRequest struct {
	Text    string
	VoiceID string
	APIKey  string
}

// SynthesisJob is the remote view of a submitted task. OutputURI is set only
// once Status is completed.
type SynthesisJob struct {
	TaskID    string
	Status    TaskStatus
	OutputURI string
}

// UserSettings are the two persisted user preferences.
type UserSettings struct {
	APIKey string
	Voice  string
}

// SurfaceHandle identifies where outcomes for a request are delivered.
type SurfaceHandle string

// OutcomeKind tags a TerminalOutcome.
type OutcomeKind int

// Terminal outcome kinds.
const (
	OutcomeReady OutcomeKind = iota
	OutcomeFailed
	OutcomeTimedOut
	OutcomeTransportError
	OutcomeNoTextSelected
	OutcomeConfigurationError
)

// String returns the metric and log label of the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReady:
		return "ready"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeNoTextSelected:
		return "no_text_selected"
	case OutcomeConfigurationError:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// TerminalOutcome is the final result of one synthesis request.
type TerminalOutcome struct {
	Kind     OutcomeKind
	AudioURL string
	Reason   string
}

// Notification is a message for the host's notification surface.
type Notification struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	Persistent bool   `json:"persistent"`
}

// SynthesisClient wraps the remote task API.
type SynthesisClient interface {
	Submit(ctx context.Context, req SynthesisRequest) (SynthesisJob, error)
	FetchStatus(ctx context.Context, taskID, apiKey string) (SynthesisJob, error)
}

// SettingsStore reads and writes UserSettings.
type SettingsStore interface {
	Get(ctx context.Context) (UserSettings, error)
	Save(ctx context.Context, settings UserSettings) error
}

// Notifier drives the host's notification surface and options page.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
	Clear(ctx context.Context, id string) error
	OpenOptions(ctx context.Context) error
}

// ObjectStore reads and writes archived audio by key.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// AudioArchiver copies finished audio into long-term storage.
type AudioArchiver interface {
	Archive(ctx context.Context, taskID, audioURL string) (string, error)
}
