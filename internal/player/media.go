package player

import (
	"sync"

	"github.com/book-expert/logger"
)

// HeadlessMedia is a MediaElement without audio output. It tracks source,
// pause state and rate, and logs every change; the CLI surface uses it where
// no platform media element exists.
type HeadlessMedia struct {
	log *logger.Logger

	mu     sync.Mutex
	source string
	paused bool
	rate   float64
}

// NewHeadlessMedia creates a paused element with no source.
func NewHeadlessMedia(log *logger.Logger) *HeadlessMedia {
	return &HeadlessMedia{
		log:    log,
		mu:     sync.Mutex{},
		source: "",
		paused: true,
		rate:   defaultPlaybackRate,
	}
}

// Load implements MediaElement.
func (m *HeadlessMedia) Load(source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.source = source
	m.paused = true

	if source != "" {
		m.log.Info("Media source loaded: %s", source)
	}

	return nil
}

// Play implements MediaElement.
func (m *HeadlessMedia) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source == "" {
		return ErrNoSource
	}

	m.paused = false
	m.log.Info("Media playing at %.1fx", m.rate)

	return nil
}

// Pause implements MediaElement.
func (m *HeadlessMedia) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = true

	return nil
}

// Paused implements MediaElement.
func (m *HeadlessMedia) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.paused
}

// SetPlaybackRate implements MediaElement.
func (m *HeadlessMedia) SetPlaybackRate(rate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rate = rate

	return nil
}

// Source returns the loaded source.
func (m *HeadlessMedia) Source() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.source
}
