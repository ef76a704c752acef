package relay

import (
	"context"
	"time"

	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/metrics"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Bridge is the background side of the relay. It addresses a surface's content
// relay and never raises when that surface is gone.
type Bridge struct {
	conn    *nats.Conn
	timeout time.Duration
	metrics *metrics.Recorder
}

// NewBridge creates a Bridge. A zero timeout uses DefaultTimeout.
func NewBridge(conn *nats.Conn, timeout time.Duration, recorder *metrics.Recorder) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Bridge{
		conn:    conn,
		timeout: timeout,
		metrics: recorder,
	}
}

// Send forwards msg to the surface's content relay.
func (b *Bridge) Send(ctx context.Context, surface core.SurfaceHandle, msg protocol.Message) Delivery {
	err := protocol.ValidateSurface(string(surface))
	if err != nil {
		return undeliverable(err)
	}

	_, delivery := deliver(ctx, b.conn, protocol.ContentSubject(string(surface)), msg, b.timeout)
	b.metrics.Delivery(ctx, string(msg.Action), delivery.Delivered())

	return delivery
}

// RequestSelectedText asks the surface for its current, trimmed selection.
func (b *Bridge) RequestSelectedText(ctx context.Context, surface core.SurfaceHandle, workflowID string) (string, Delivery) {
	err := protocol.ValidateSurface(string(surface))
	if err != nil {
		return "", undeliverable(err)
	}

	msg := protocol.NewMessage(protocol.ActionRequestSelectedText, workflowID)

	reply, delivery := deliver(ctx, b.conn, protocol.ContentSubject(string(surface)), msg, b.timeout)
	b.metrics.Delivery(ctx, string(msg.Action), delivery.Delivered())

	if !delivery.Delivered() {
		return "", delivery
	}

	return reply.Text, delivery
}
