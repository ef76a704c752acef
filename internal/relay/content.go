package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/nats-io/nats.go"
)

const handleMessageTimeout = 10 * time.Second

// ErrAlreadyStarted indicates Start was called twice.
var ErrAlreadyStarted = errors.New("content relay already started")

// SelectionSource yields the page's current text selection.
type SelectionSource interface {
	SelectedText(ctx context.Context) (string, error)
}

// FrameHost creates and removes the isolated player frame of one page.
type FrameHost interface {
	// Create opens a fresh frame, replacing any existing one.
	Create(ctx context.Context) error
	// Remove tears the frame down. Removing an absent frame is a no-op.
	Remove()
	// RemoveFrame tears the frame down only when frameID names the open one
	// and reports whether it did.
	RemoveFrame(frameID string) bool
	Exists() bool
}

// ContentRelay is the page side of the relay. It answers the background on the
// surface content subject, forwards player events into the frame and listens
// for closure requests coming back up from the frame.
type ContentRelay struct {
	conn      *nats.Conn
	surface   string
	selection SelectionSource
	host      FrameHost
	timeout   time.Duration
	log       *logger.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewContentRelay creates the relay for one surface.
func NewContentRelay(
	conn *nats.Conn,
	surface string,
	selection SelectionSource,
	host FrameHost,
	timeout time.Duration,
	log *logger.Logger,
) *ContentRelay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &ContentRelay{
		conn:      conn,
		surface:   surface,
		selection: selection,
		host:      host,
		timeout:   timeout,
		log:       log,
		mu:        sync.Mutex{},
		subs:      nil,
	}
}

// Start subscribes to the content and up subjects. Once Start returns the
// surface is reachable.
func (r *ContentRelay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs != nil {
		return ErrAlreadyStarted
	}

	err := protocol.ValidateSurface(r.surface)
	if err != nil {
		return fmt.Errorf("failed to start content relay: %w", err)
	}

	contentSub, err := r.conn.Subscribe(protocol.ContentSubject(r.surface), r.handleContent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to content subject for surface %s: %w", r.surface, err)
	}

	upSub, err := r.conn.Subscribe(protocol.UpSubject(r.surface), r.handleUp)
	if err != nil {
		_ = contentSub.Unsubscribe()

		return fmt.Errorf("failed to subscribe to up subject for surface %s: %w", r.surface, err)
	}

	r.subs = []*nats.Subscription{contentSub, upSub}

	err = r.conn.Flush()
	if err != nil {
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	return nil
}

// Close drains both subscriptions and removes the frame.
func (r *ContentRelay) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	var errs []error

	for _, sub := range subs {
		drainErr := sub.Drain()
		if drainErr != nil {
			errs = append(errs, fmt.Errorf("failed to drain %s: %w", sub.Subject, drainErr))
		}
	}

	r.host.Remove()

	return errors.Join(errs...)
}

func (r *ContentRelay) handleContent(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := protocol.Decode(msg.Data)
	if err != nil {
		r.log.Warn("Surface %s ignored malformed message: %v", r.surface, err)
		r.reject(msg)

		return
	}

	if !event.Action.Known() {
		r.log.Info("Surface %s ignored unknown action %q", r.surface, event.Action)
		r.reject(msg)

		return
	}

	reply := r.Handle(ctx, event)

	err = respond(msg, reply)
	if err != nil {
		r.log.Warn("Surface %s failed to acknowledge %s: %v", r.surface, event.Action, err)
	}
}

// Handle applies one background message to the page.
func (r *ContentRelay) Handle(ctx context.Context, msg protocol.Message) protocol.Reply {
	switch msg.Action {
	case protocol.ActionRequestSelectedText:
		return protocol.Reply{Text: r.selectedText(ctx), Handled: true}

	case protocol.ActionShowPlayerLoading:
		err := r.host.Create(ctx)
		if err != nil {
			r.log.Error("Surface %s failed to create player frame: %v", r.surface, err)

			return protocol.Reply{Text: "", Handled: false}
		}

		r.forward(ctx, msg)

	case protocol.ActionAudioReady, protocol.ActionAudioFailed,
		protocol.ActionTogglePlayPause, protocol.ActionNoTextSelected:
		r.forward(ctx, msg)

	case protocol.ActionClosePlayer:
		r.host.Remove()

	default:
		return protocol.Reply{Text: "", Handled: false}
	}

	return protocol.Reply{Text: "", Handled: true}
}

func (r *ContentRelay) handleUp(msg *nats.Msg) {
	event, err := protocol.Decode(msg.Data)
	if err != nil {
		r.log.Warn("Surface %s ignored malformed frame message: %v", r.surface, err)
		r.reject(msg)

		return
	}

	handled := false
	if event.Action == protocol.ActionClosePlayer {
		handled = r.host.RemoveFrame(event.FrameID)
		if !handled {
			r.log.Info("Surface %s ignored closure from stale frame %q", r.surface, event.FrameID)
		}
	}

	err = respond(msg, protocol.Reply{Text: "", Handled: handled})
	if err != nil {
		r.log.Warn("Surface %s failed to acknowledge frame %s: %v", r.surface, event.Action, err)
	}
}

// reject answers a message that will not be handled, so the sender is not
// left waiting for its timeout.
func (r *ContentRelay) reject(msg *nats.Msg) {
	err := respond(msg, protocol.Reply{Text: "", Handled: false})
	if err != nil {
		r.log.Warn("Surface %s failed to reject message: %v", r.surface, err)
	}
}

func (r *ContentRelay) selectedText(ctx context.Context) string {
	text, err := r.selection.SelectedText(ctx)
	if err != nil {
		r.log.Warn("Surface %s could not read the selection: %v", r.surface, err)

		return ""
	}

	return strings.TrimSpace(text)
}

// forward re-posts msg verbatim into the frame, if one exists.
func (r *ContentRelay) forward(ctx context.Context, msg protocol.Message) {
	if !r.host.Exists() {
		return
	}

	_, delivery := deliver(ctx, r.conn, protocol.FrameSubject(r.surface), msg, r.timeout)
	if !delivery.Delivered() {
		r.log.Warn("Surface %s could not forward %s to the player frame: %v", r.surface, msg.Action, delivery.Reason)
	}
}
