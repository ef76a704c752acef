// Package player implements the isolated rendering surface that hosts the
// floating player. Audio decoding and output belong to a MediaElement; this
// package owns only the view state and its transitions.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/book-expert/speechie/internal/relay"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Phase is what the player currently shows.
type Phase string

// Player phases.
const (
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
	PhaseError   Phase = "error"
)

// Status texts.
const (
	StatusProcessing      = "Processing..."
	StatusSynthesisFailed = "Synthesis Failed"
	StatusNoTextSelected  = "No text selected"
)

// Defaults and limits.
const (
	DefaultCloseDelay   = 3 * time.Second
	DownloadFileName    = "speechie_audio.mp3"
	MinPlaybackRate     = 0.5
	MaxPlaybackRate     = 2.0
	defaultPlaybackRate = 1.0
	filePermissions     = 0o600
	dirPermissions      = 0o750
)

var (
	// ErrClosed indicates the surface was already destroyed.
	ErrClosed = errors.New("player surface is closed")
	// ErrNoSource indicates there is no ready audio to act on.
	ErrNoSource = errors.New("player has no audio source")
)

// MediaElement is the host platform's audio element.
type MediaElement interface {
	// Load replaces the current source; an empty source clears it.
	Load(source string) error
	Play() error
	Pause() error
	Paused() bool
	SetPlaybackRate(rate float64) error
}

// PlayerViewState is everything the player renders. It lives from the first
// show until the surface is closed.
type PlayerViewState struct {
	Phase        Phase
	Message      string
	Source       string
	PlaybackRate float64
}

// Options tune a surface.
type Options struct {
	CloseDelay time.Duration
	Timeout    time.Duration
}

// Surface is one open player frame.
type Surface struct {
	id      string
	conn    *nats.Conn
	surface string
	media   MediaElement
	opts    Options
	log     *logger.Logger

	mu         sync.Mutex
	state      *PlayerViewState
	sub        *nats.Subscription
	closeTimer *time.Timer
}

// Open creates a surface in the loading phase and subscribes it to the frame
// subject.
func Open(conn *nats.Conn, surface string, media MediaElement, opts Options, log *logger.Logger) (*Surface, error) {
	err := protocol.ValidateSurface(surface)
	if err != nil {
		return nil, fmt.Errorf("failed to open player frame: %w", err)
	}

	if opts.CloseDelay <= 0 {
		opts.CloseDelay = DefaultCloseDelay
	}

	if opts.Timeout <= 0 {
		opts.Timeout = relay.DefaultTimeout
	}

	player := &Surface{
		id:      uuid.NewString(),
		conn:    conn,
		surface: surface,
		media:   media,
		opts:    opts,
		log:     log,
		state: &PlayerViewState{
			Phase:        PhaseLoading,
			Message:      StatusProcessing,
			Source:       "",
			PlaybackRate: defaultPlaybackRate,
		},
	}

	sub, err := conn.Subscribe(protocol.FrameSubject(surface), player.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe player frame for surface %s: %w", surface, err)
	}

	player.sub = sub

	err = conn.Flush()
	if err != nil {
		_ = sub.Unsubscribe()

		return nil, fmt.Errorf("failed to flush player subscription: %w", err)
	}

	return player, nil
}

func (s *Surface) handleMessage(msg *nats.Msg) {
	handled := false

	event, err := protocol.Decode(msg.Data)
	switch {
	case err != nil:
		s.log.Warn("Player %s ignored malformed message: %v", s.surface, err)
	case !event.Action.Known():
		s.log.Info("Player %s ignored unknown action %q", s.surface, event.Action)
	default:
		handled = s.Apply(event)
	}

	err = relay.Respond(msg, protocol.Reply{Text: "", Handled: handled})
	if err != nil {
		s.log.Warn("Player %s failed to acknowledge %s: %v", s.surface, event.Action, err)
	}
}

// Apply performs the state transition for one relayed message and reports
// whether the action was recognized.
func (s *Surface) Apply(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return false
	}

	switch {
	case msg.Action == protocol.ActionNoTextSelected:
		s.loadLocked("")
		s.setPhaseLocked(PhaseError, StatusNoTextSelected)
		s.scheduleCloseLocked()

	case msg.AudioURL != "":
		s.loadLocked(msg.AudioURL)
		s.setPhaseLocked(PhaseReady, "")

		playErr := s.media.Play()
		if playErr != nil {
			s.log.Warn("Player %s autoplay failed: %v", s.surface, playErr)
		}

	case msg.Action == protocol.ActionTogglePlayPause:
		s.toggleLocked()

	case msg.Action == protocol.ActionAudioFailed, msg.Action == protocol.ActionShowError:
		s.setPhaseLocked(PhaseError, StatusSynthesisFailed)

	case msg.Action == protocol.ActionShowPlayerLoading:
		s.setPhaseLocked(PhaseLoading, StatusProcessing)

	default:
		return false
	}

	return true
}

// ID identifies this frame among the frames a host opens over time.
func (s *Surface) ID() string {
	return s.id
}

// State returns a copy of the view state. A closed surface reports ErrClosed.
func (s *Surface) State() (PlayerViewState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return PlayerViewState{}, ErrClosed
	}

	return *s.state, nil
}

// TogglePlayPause plays a loaded, paused source and pauses anything else.
func (s *Surface) TogglePlayPause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != nil {
		s.toggleLocked()
	}
}

// SetPlaybackRate clamps rate to the supported range and applies it.
func (s *Surface) SetPlaybackRate(rate float64) (float64, error) {
	rate = min(max(rate, MinPlaybackRate), MaxPlaybackRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return 0, ErrClosed
	}

	err := s.media.SetPlaybackRate(rate)
	if err != nil {
		return s.state.PlaybackRate, fmt.Errorf("failed to set playback rate: %w", err)
	}

	s.state.PlaybackRate = rate

	return rate, nil
}

// RequestClose asks the page to tear this frame down. The page ignores the
// request once another frame has replaced this one.
func (s *Surface) RequestClose(ctx context.Context) relay.Delivery {
	msg := protocol.NewMessage(protocol.ActionClosePlayer, "")
	msg.FrameID = s.id

	return relay.Deliver(ctx, s.conn, protocol.UpSubject(s.surface), msg, s.opts.Timeout)
}

// Download saves the ready audio into dir as DownloadFileName.
func (s *Surface) Download(ctx context.Context, client *http.Client, dir string) (string, error) {
	state, err := s.State()
	if err != nil {
		return "", err
	}

	if state.Phase != PhaseReady || state.Source == "" {
		return "", ErrNoSource
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.Source, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", state.Source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download of %s returned status: %s", state.Source, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read audio data: %w", err)
	}

	err = os.MkdirAll(dir, dirPermissions)
	if err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	target := filepath.Join(dir, DownloadFileName)

	err = os.WriteFile(target, data, filePermissions)
	if err != nil {
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}

	return target, nil
}

// destroy ends the surface's lifecycle. It is safe to call more than once.
func (s *Surface) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return
	}

	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}

	if s.sub != nil {
		unsubErr := s.sub.Unsubscribe()
		if unsubErr != nil {
			s.log.Warn("Player %s failed to unsubscribe: %v", s.surface, unsubErr)
		}

		s.sub = nil
	}

	pauseErr := s.media.Pause()
	if pauseErr != nil {
		s.log.Warn("Player %s failed to pause on close: %v", s.surface, pauseErr)
	}

	s.state = nil
}

func (s *Surface) loadLocked(source string) {
	err := s.media.Load(source)
	if err != nil {
		s.log.Warn("Player %s failed to load source %q: %v", s.surface, source, err)
	}

	s.state.Source = source
}

func (s *Surface) setPhaseLocked(phase Phase, message string) {
	s.state.Phase = phase
	s.state.Message = message
}

func (s *Surface) toggleLocked() {
	var err error
	if s.state.Source != "" && s.media.Paused() {
		err = s.media.Play()
	} else {
		err = s.media.Pause()
	}

	if err != nil {
		s.log.Warn("Player %s toggle failed: %v", s.surface, err)
	}
}

func (s *Surface) scheduleCloseLocked() {
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}

	s.closeTimer = time.AfterFunc(s.opts.CloseDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		defer cancel()

		delivery := s.RequestClose(ctx)
		if !delivery.Delivered() {
			s.log.Warn("Player %s self-close was not delivered: %v", s.surface, delivery.Reason)
		}
	})
}

// FormatTime renders a playback position as M:SS.
func FormatTime(position time.Duration) string {
	if position < 0 {
		return "0:00"
	}

	seconds := int(position / time.Second)

	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
