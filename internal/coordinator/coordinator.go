// Package coordinator runs one synthesis request end to end and delivers its
// single terminal outcome to the requesting surface.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/metrics"
	"github.com/book-expert/speechie/internal/notify"
	"github.com/book-expert/speechie/internal/poller"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/book-expert/speechie/internal/relay"
)

// DefaultVoice is used when the user never picked one.
const DefaultVoice = "Melody"

// User-visible messages.
const (
	msgProcessing     = "Processing your text..."
	msgMissingAPIKey  = "API Key not set. Please set it in options."
	msgTaskFailed     = "Audio synthesis failed."
	msgTimedOut       = "Synthesis timed out. Please try again."
	msgFmtProcessFail = "Failed to process TTS: %s"
)

// Relay delivers messages to a surface.
type Relay interface {
	Send(ctx context.Context, surface core.SurfaceHandle, msg protocol.Message) relay.Delivery
}

// Dependencies are the collaborators of a Coordinator. Archive and Metrics
// are optional.
type Dependencies struct {
	Client   core.SynthesisClient
	Poller   *poller.Poller
	Settings core.SettingsStore
	Relay    Relay
	Notifier core.Notifier
	Archive  core.AudioArchiver
	Metrics  *metrics.Recorder
}

// Coordinator orchestrates synthesis requests. A new request for a surface
// cancels the one already running for it; the cancelled request delivers
// nothing.
type Coordinator struct {
	deps         Dependencies
	defaultVoice string
	log          *logger.Logger

	mu     sync.Mutex
	active map[core.SurfaceHandle]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	workflowID string
	cancel     context.CancelFunc
}

// New creates a Coordinator. An empty defaultVoice uses DefaultVoice.
func New(deps Dependencies, defaultVoice string, log *logger.Logger) *Coordinator {
	if defaultVoice == "" {
		defaultVoice = DefaultVoice
	}

	return &Coordinator{
		deps:         deps,
		defaultVoice: defaultVoice,
		log:          log,
		mu:           sync.Mutex{},
		active:       make(map[core.SurfaceHandle]*activeRun),
		wg:           sync.WaitGroup{},
	}
}

// Start runs the request in the background.
func (c *Coordinator) Start(ctx context.Context, rawText string, surface core.SurfaceHandle, workflowID string) {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		c.Run(ctx, rawText, surface, workflowID)
	}()
}

// Wait blocks until every started request has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Run processes one request and returns once its outcome was delivered or the
// request was superseded.
func (c *Coordinator) Run(ctx context.Context, rawText string, surface core.SurfaceHandle, workflowID string) {
	startedAt := time.Now()

	runCtx, release := c.claim(ctx, surface, workflowID)
	defer release()

	text := strings.TrimSpace(rawText)
	if text == "" {
		c.conclude(runCtx, surface, workflowID, startedAt, core.TerminalOutcome{Kind: core.OutcomeNoTextSelected})

		return
	}

	userSettings, err := c.deps.Settings.Get(runCtx)
	if err != nil {
		c.log.Error("Failed to read settings for workflow %s: %v", workflowID, err)
		c.conclude(runCtx, surface, workflowID, startedAt, core.TerminalOutcome{
			Kind:   core.OutcomeTransportError,
			Reason: err.Error(),
		})

		return
	}

	if userSettings.APIKey == "" {
		c.conclude(runCtx, surface, workflowID, startedAt, core.TerminalOutcome{
			Kind:   core.OutcomeConfigurationError,
			Reason: core.ErrMissingAPIKey.Error(),
		})

		return
	}

	voice := userSettings.Voice
	if voice == "" {
		voice = c.defaultVoice
	}

	c.notify(runCtx, notify.Info(notify.IDProgress, msgProcessing))

	job, err := c.deps.Client.Submit(runCtx, core.SynthesisRequest{
		Text:    text,
		VoiceID: voice,
		APIKey:  userSettings.APIKey,
	})
	if err != nil {
		if runCtx.Err() != nil {
			c.log.Info("Workflow %s cancelled during submission", workflowID)

			return
		}

		c.log.Error("Failed to submit synthesis for workflow %s: %v", workflowID, err)
		c.conclude(runCtx, surface, workflowID, startedAt, core.TerminalOutcome{
			Kind:   core.OutcomeTransportError,
			Reason: err.Error(),
		})

		return
	}

	c.log.Info("Workflow %s submitted task %s with voice %s", workflowID, job.TaskID, voice)

	result := c.deps.Poller.Poll(runCtx, job.TaskID, userSettings.APIKey)

	outcome, ok := translate(result)
	if !ok {
		c.log.Info("Workflow %s superseded while polling task %s", workflowID, job.TaskID)

		return
	}

	c.conclude(runCtx, surface, workflowID, startedAt, outcome)

	if outcome.Kind == core.OutcomeReady {
		c.archive(runCtx, job.TaskID, outcome.AudioURL)
	}
}

// translate maps a poller resolution onto the outcome shown to the user. A
// cancelled session has no outcome.
func translate(result poller.Result) (core.TerminalOutcome, bool) {
	switch result.State {
	case poller.StateCompleted:
		return core.TerminalOutcome{Kind: core.OutcomeReady, AudioURL: result.OutputURI}, true
	case poller.StateFailed:
		return core.TerminalOutcome{Kind: core.OutcomeFailed, Reason: msgTaskFailed}, true
	case poller.StateTimedOut:
		return core.TerminalOutcome{Kind: core.OutcomeTimedOut, Reason: msgTimedOut}, true
	case poller.StateErrored:
		return core.TerminalOutcome{Kind: core.OutcomeTransportError, Reason: errText(result.Err)}, true
	case poller.StateRunning, poller.StateCancelled:
		return core.TerminalOutcome{}, false
	default:
		return core.TerminalOutcome{}, false
	}
}

// conclude is the single exit for every outcome: it shows the matching
// notifications and sends exactly one message to the surface.
func (c *Coordinator) conclude(
	ctx context.Context,
	surface core.SurfaceHandle,
	workflowID string,
	startedAt time.Time,
	outcome core.TerminalOutcome,
) {
	if ctx.Err() != nil {
		c.log.Info("Workflow %s superseded before delivering %s", workflowID, outcome.Kind)

		return
	}

	c.deps.Metrics.Outcome(ctx, outcome.Kind.String(), time.Since(startedAt))

	switch outcome.Kind {
	case core.OutcomeReady:
		c.clearProgress(ctx)
		c.deliver(ctx, surface, protocol.AudioReady(workflowID, outcome.AudioURL))

	case core.OutcomeFailed, core.OutcomeTimedOut:
		c.clearProgress(ctx)
		c.notify(ctx, notify.Error(notify.IDError, outcome.Reason))
		c.deliver(ctx, surface, protocol.NewMessage(protocol.ActionAudioFailed, workflowID))

	case core.OutcomeTransportError:
		c.clearProgress(ctx)
		c.notify(ctx, notify.Error(notify.IDError, formatFailure(outcome.Reason)))
		c.deliver(ctx, surface, protocol.NewMessage(protocol.ActionAudioFailed, workflowID))

	case core.OutcomeNoTextSelected:
		c.deliver(ctx, surface, protocol.NewMessage(protocol.ActionNoTextSelected, workflowID))

	case core.OutcomeConfigurationError:
		c.notify(ctx, notify.Error(notify.IDError, msgMissingAPIKey))
		c.deliver(ctx, surface, protocol.NewMessage(protocol.ActionClosePlayer, workflowID))

		err := c.deps.Notifier.OpenOptions(ctx)
		if err != nil {
			c.log.Warn("Failed to open the options page: %v", err)
		}
	}

	c.log.Info("Workflow %s on surface %s ended %s", workflowID, surface, outcome.Kind)
}

// claim registers the run as the active one for its surface, cancelling any
// earlier run there. The returned release must be called when the run ends.
func (c *Coordinator) claim(ctx context.Context, surface core.SurfaceHandle, workflowID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{workflowID: workflowID, cancel: cancel}

	c.mu.Lock()
	previous, found := c.active[surface]
	c.active[surface] = run
	c.mu.Unlock()

	if found {
		c.log.Info("Workflow %s replaces workflow %s on surface %s", workflowID, previous.workflowID, surface)
		previous.cancel()
	}

	return runCtx, func() {
		c.mu.Lock()
		if c.active[surface] == run {
			delete(c.active, surface)
		}
		c.mu.Unlock()

		cancel()
	}
}

func (c *Coordinator) deliver(ctx context.Context, surface core.SurfaceHandle, msg protocol.Message) {
	delivery := c.deps.Relay.Send(ctx, surface, msg)
	if !delivery.Delivered() {
		c.log.Warn("Surface %s did not receive %s: %v", surface, msg.Action, delivery.Reason)
	}
}

func (c *Coordinator) notify(ctx context.Context, notification core.Notification) {
	err := c.deps.Notifier.Notify(ctx, notification)
	if err != nil {
		c.log.Warn("Failed to show notification %s: %v", notification.ID, err)
	}
}

func (c *Coordinator) clearProgress(ctx context.Context) {
	err := c.deps.Notifier.Clear(ctx, notify.IDProgress)
	if err != nil {
		c.log.Warn("Failed to clear progress notification: %v", err)
	}
}

func (c *Coordinator) archive(ctx context.Context, taskID, audioURL string) {
	if c.deps.Archive == nil {
		return
	}

	key, err := c.deps.Archive.Archive(ctx, taskID, audioURL)
	if err != nil {
		c.log.Warn("Failed to archive audio for task %s: %v", taskID, err)

		return
	}

	c.log.Info("Archived audio for task %s as %s", taskID, key)
}

func formatFailure(reason string) string {
	return fmt.Sprintf(msgFmtProcessFail, reason)
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}

	return err.Error()
}
