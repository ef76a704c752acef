// Package protocol defines the messages exchanged between the background
// coordinator, the page content relay and the player frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/book-expert/events"
	"github.com/google/uuid"
)

// Action discriminates relay messages.
type Action string

// Relay actions. Anything else is ignored by every receiver.
const (
	ActionRequestSelectedText Action = "requestSelectedText"
	ActionShowPlayerLoading   Action = "showPlayerLoading"
	ActionAudioReady          Action = "audioReady"
	ActionAudioFailed         Action = "audioFailed"
	ActionNoTextSelected      Action = "noTextSelected"
	ActionTogglePlayPause     Action = "togglePlayPause"
	ActionClosePlayer         Action = "closePlayer"
	ActionShowError           Action = "showError"
)

// User commands, bound to keyboard shortcuts by the host.
const (
	CommandTriggerTTS      = "trigger_tts"
	CommandTogglePlayPause = "toggle-play-pause"
	CommandShowPlayer      = "show_player"
)

// Fixed subjects.
const (
	SubjectCommands      = "speechie.commands"
	SubjectNotifications = "speechie.notifications"
	SubjectOptionsOpen   = "speechie.options.open"

	surfaceSubjectFormat = "speechie.surface.%s.%s"
)

var (
	// ErrMissingAction indicates a message without an action discriminator.
	ErrMissingAction = errors.New("message has no action")
	// ErrInvalidSurface indicates a surface id that is not a single literal subject token.
	ErrInvalidSurface = errors.New("invalid surface id")
)

// Message is the single structured payload crossing every relay boundary.
type Message struct {
	Action   Action             `json:"action"`
	AudioURL string             `json:"audioUrl,omitempty"`
	FrameID  string             `json:"frameId,omitempty"`
	Header   events.EventHeader `json:"header"`
}

// Reply acknowledges a relayed message. Text carries the selection for
// requestSelectedText.
type Reply struct {
	Text    string `json:"text,omitempty"`
	Handled bool   `json:"handled"`
}

// Command is a user-invoked trigger addressed to one surface.
type Command struct {
	Command string `json:"command"`
	Surface string `json:"surface"`
}

// CommandAck answers a Command that was sent as a request.
type CommandAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewMessage builds a message for the given workflow. An empty workflowID
// starts a new one.
func NewMessage(action Action, workflowID string) Message {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	return Message{
		Action:   action,
		AudioURL: "",
		FrameID:  "",
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: workflowID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
	}
}

// AudioReady builds the audioReady message carrying the playable URL.
func AudioReady(workflowID, audioURL string) Message {
	msg := NewMessage(ActionAudioReady, workflowID)
	msg.AudioURL = audioURL

	return msg
}

// Known reports whether the action belongs to the protocol.
func (a Action) Known() bool {
	switch a {
	case ActionRequestSelectedText, ActionShowPlayerLoading, ActionAudioReady,
		ActionAudioFailed, ActionNoTextSelected, ActionTogglePlayPause,
		ActionClosePlayer, ActionShowError:
		return true
	default:
		return false
	}
}

// Decode parses a relay message.
func Decode(data []byte) (Message, error) {
	var msg Message

	err := json.Unmarshal(data, &msg)
	if err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if msg.Action == "" {
		return Message{}, ErrMissingAction
	}

	return msg, nil
}

// ValidateSurface checks that id is one literal subject token. Wildcards or
// separators would let one surface subscribe to another surface's traffic.
func ValidateSurface(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSurface)
	}

	if strings.ContainsFunc(id, isSubjectMeta) {
		return fmt.Errorf("%w: %q", ErrInvalidSurface, id)
	}

	return nil
}

func isSubjectMeta(r rune) bool {
	return r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r)
}

// ContentSubject carries background to content traffic for a surface.
func ContentSubject(surface string) string {
	return fmt.Sprintf(surfaceSubjectFormat, surface, "content")
}

// FrameSubject carries content to frame traffic for a surface.
func FrameSubject(surface string) string {
	return fmt.Sprintf(surfaceSubjectFormat, surface, "frame")
}

// UpSubject carries frame to content traffic (closure requests).
func UpSubject(surface string) string {
	return fmt.Sprintf(surfaceSubjectFormat, surface, "up")
}
