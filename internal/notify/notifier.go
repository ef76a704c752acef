// Package notify publishes user-visible notifications and options-page
// redirects for the host to display.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Notification ids. A new notification replaces an existing one with the same id.
const (
	IDProgress = "tts-progress"
	IDError    = "tts-error"
	IDScript   = "script-error"
)

// Notification titles.
const (
	TitleDefault = "Speechie"
	TitleError   = "Speechie Error"
)

// Event operations.
const (
	OpCreate = "create"
	OpClear  = "clear"
)

// Event is the payload published on protocol.SubjectNotifications.
type Event struct {
	Op           string            `json:"op"`
	Notification core.Notification `json:"notification"`
}

// Notifier implements core.Notifier over NATS.
type Notifier struct {
	conn *nats.Conn
	log  *logger.Logger
}

// New creates a Notifier.
func New(conn *nats.Conn, log *logger.Logger) *Notifier {
	return &Notifier{
		conn: conn,
		log:  log,
	}
}

// Notify shows a notification.
func (n *Notifier) Notify(_ context.Context, notification core.Notification) error {
	if notification.Persistent {
		n.log.Warn("Notification %s: %s: %s", notification.ID, notification.Title, notification.Message)
	} else {
		n.log.Info("Notification %s: %s: %s", notification.ID, notification.Title, notification.Message)
	}

	return n.publish(protocol.SubjectNotifications, Event{Op: OpCreate, Notification: notification})
}

// Clear dismisses the notification with the given id.
func (n *Notifier) Clear(_ context.Context, id string) error {
	return n.publish(protocol.SubjectNotifications, Event{
		Op:           OpClear,
		Notification: core.Notification{ID: id, Title: "", Message: "", Persistent: false},
	})
}

// OpenOptions asks the host to show the settings page.
func (n *Notifier) OpenOptions(_ context.Context) error {
	n.log.Info("Redirecting user to the options page")

	err := n.conn.Publish(protocol.SubjectOptionsOpen, []byte("{}"))
	if err != nil {
		return fmt.Errorf("failed to publish options redirect: %w", err)
	}

	return nil
}

func (n *Notifier) publish(subject string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	err = n.conn.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish notification %s: %w", event.Notification.ID, err)
	}

	return nil
}

// Error builds a persistent error notification.
func Error(id, message string) core.Notification {
	return core.Notification{ID: id, Title: TitleError, Message: message, Persistent: true}
}

// Info builds a transient notification.
func Info(id, message string) core.Notification {
	return core.Notification{ID: id, Title: TitleDefault, Message: message, Persistent: false}
}
