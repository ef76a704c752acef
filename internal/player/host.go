package player

import (
	"context"
	"sync"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

// Host keeps at most one open Surface for a page. It satisfies
// relay.FrameHost.
type Host struct {
	conn     *nats.Conn
	surface  string
	newMedia func() MediaElement
	opts     Options
	log      *logger.Logger

	mu      sync.Mutex
	current *Surface
}

// NewHost creates a host; newMedia supplies a fresh media element for every
// frame it opens.
func NewHost(conn *nats.Conn, surface string, newMedia func() MediaElement, opts Options, log *logger.Logger) *Host {
	return &Host{
		conn:     conn,
		surface:  surface,
		newMedia: newMedia,
		opts:     opts,
		log:      log,
		mu:       sync.Mutex{},
		current:  nil,
	}
}

// Create destroys any open frame and opens a fresh one in the loading phase.
func (h *Host) Create(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil {
		h.current.destroy()
		h.current = nil
	}

	opened, err := Open(h.conn, h.surface, h.newMedia(), h.opts, h.log)
	if err != nil {
		return err
	}

	h.current = opened
	h.log.Info("Player frame opened for surface %s", h.surface)

	return nil
}

// Remove destroys the open frame, if any.
func (h *Host) Remove() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		return
	}

	h.current.destroy()
	h.current = nil
	h.log.Info("Player frame closed for surface %s", h.surface)
}

// RemoveFrame destroys the open frame only when its id is frameID.
func (h *Host) RemoveFrame(frameID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil || h.current.ID() != frameID {
		return false
	}

	h.current.destroy()
	h.current = nil
	h.log.Info("Player frame %s closed itself on surface %s", frameID, h.surface)

	return true
}

// Exists reports whether a frame is open.
func (h *Host) Exists() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.current != nil
}

// Current returns the open frame, or nil.
func (h *Host) Current() *Surface {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.current
}
