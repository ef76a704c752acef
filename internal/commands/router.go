// Package commands maps named user commands onto surface messages and
// synthesis requests.
package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/notify"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/book-expert/speechie/internal/relay"
	"github.com/google/uuid"
)

// Router errors.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrDispatch       = errors.New("command dispatch failed")
	ErrNoSurface      = errors.New("command has no surface")
)

// User-visible messages.
const (
	msgScriptUnavailable = "Cannot run on this page. Please reload the page and try again."
	msgUnknownFailure    = "An unknown error occurred."
)

// Surfaces is the outbound half of the relay used by the router.
type Surfaces interface {
	Send(ctx context.Context, surface core.SurfaceHandle, msg protocol.Message) relay.Delivery
	RequestSelectedText(ctx context.Context, surface core.SurfaceHandle, workflowID string) (string, relay.Delivery)
}

// Jobs starts synthesis requests without waiting for them.
type Jobs interface {
	Start(ctx context.Context, rawText string, surface core.SurfaceHandle, workflowID string)
}

// Router dispatches commands.
type Router struct {
	surfaces Surfaces
	jobs     Jobs
	notifier core.Notifier
	log      *logger.Logger
}

// NewRouter creates a Router.
func NewRouter(surfaces Surfaces, jobs Jobs, notifier core.Notifier, log *logger.Logger) *Router {
	return &Router{
		surfaces: surfaces,
		jobs:     jobs,
		notifier: notifier,
		log:      log,
	}
}

// Dispatch runs one command against surface. Delivery failures are reported
// to the user before the error is returned.
func (r *Router) Dispatch(ctx context.Context, command string, surface core.SurfaceHandle) error {
	if surface == "" {
		return fmt.Errorf("%w: %s", ErrNoSurface, command)
	}

	err := protocol.ValidateSurface(string(surface))
	if err != nil {
		return fmt.Errorf("command %s: %w", command, err)
	}

	switch command {
	case protocol.CommandTriggerTTS:
		return r.trigger(ctx, surface)
	case protocol.CommandShowPlayer:
		return r.showPlayer(ctx, surface)
	case protocol.CommandTogglePlayPause:
		r.togglePlayPause(ctx, surface)

		return nil
	default:
		r.log.Warn("Ignoring unknown command %q for surface %s", command, surface)

		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

func (r *Router) trigger(ctx context.Context, surface core.SurfaceHandle) error {
	workflowID := uuid.NewString()

	delivery := r.surfaces.Send(ctx, surface, protocol.NewMessage(protocol.ActionShowPlayerLoading, workflowID))
	if !delivery.Delivered() {
		return r.reportFailure(ctx, surface, delivery)
	}

	text, delivery := r.surfaces.RequestSelectedText(ctx, surface, workflowID)
	if !delivery.Delivered() {
		return r.reportFailure(ctx, surface, delivery)
	}

	r.log.Info("Workflow %s started for surface %s with %d characters", workflowID, surface, len(text))
	r.jobs.Start(ctx, text, surface, workflowID)

	return nil
}

func (r *Router) showPlayer(ctx context.Context, surface core.SurfaceHandle) error {
	delivery := r.surfaces.Send(ctx, surface, protocol.NewMessage(protocol.ActionShowPlayerLoading, ""))
	if !delivery.Delivered() {
		return r.reportFailure(ctx, surface, delivery)
	}

	return nil
}

func (r *Router) togglePlayPause(ctx context.Context, surface core.SurfaceHandle) {
	delivery := r.surfaces.Send(ctx, surface, protocol.NewMessage(protocol.ActionTogglePlayPause, ""))
	if !delivery.Delivered() {
		r.log.Info("Toggle not delivered to surface %s: %v", surface, delivery.Reason)
	}
}

func (r *Router) reportFailure(ctx context.Context, surface core.SurfaceHandle, delivery relay.Delivery) error {
	notification := core.Notification{
		ID:         notify.IDError,
		Title:      notify.TitleError,
		Message:    msgUnknownFailure,
		Persistent: false,
	}
	if delivery.Unreachable() {
		notification = notify.Error(notify.IDScript, msgScriptUnavailable)
	}

	notifyErr := r.notifier.Notify(ctx, notification)
	if notifyErr != nil {
		r.log.Warn("Failed to show notification %s: %v", notification.ID, notifyErr)
	}

	r.log.Error("Surface %s unavailable: %v", surface, delivery.Reason)

	return fmt.Errorf("%w: surface %s: %w", ErrDispatch, surface, delivery.Reason)
}
