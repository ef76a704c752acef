// Package relay bridges the background coordinator, the page content relay and
// the player frame. Every cross-boundary send is a NATS request and resolves
// to an explicit Delivery; a boundary whose counterpart is gone is never an
// unhandled failure.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/nats-io/nats.go"
)

// DefaultTimeout bounds how long a send waits for the counterpart to answer.
const DefaultTimeout = 2 * time.Second

// DeliveryStatus is the result of one cross-boundary send.
type DeliveryStatus int

// Delivery results.
const (
	Delivered DeliveryStatus = iota
	Undeliverable
)

// Delivery reports what happened to a send. Reason is set only when the
// message was undeliverable.
type Delivery struct {
	Status DeliveryStatus
	Reason error
}

// Delivered reports whether the counterpart acknowledged the message.
func (d Delivery) Delivered() bool {
	return d.Status == Delivered
}

// Unreachable reports whether the send failed because no counterpart exists.
func (d Delivery) Unreachable() bool {
	return d.Status == Undeliverable && errors.Is(d.Reason, core.ErrSurfaceUnreachable)
}

func delivered() Delivery {
	return Delivery{Status: Delivered, Reason: nil}
}

func undeliverable(reason error) Delivery {
	return Delivery{Status: Undeliverable, Reason: reason}
}

// deliver sends msg to subject and waits for the counterpart's Reply.
func deliver(
	ctx context.Context,
	conn *nats.Conn,
	subject string,
	msg protocol.Message,
	timeout time.Duration,
) (protocol.Reply, Delivery) {
	data, err := json.Marshal(msg)
	if err != nil {
		return protocol.Reply{}, undeliverable(fmt.Errorf("failed to marshal %s message: %w", msg.Action, err))
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replyMsg, err := conn.RequestWithContext(requestCtx, subject, data)
	if err != nil {
		return protocol.Reply{}, undeliverable(classify(ctx, subject, err))
	}

	var reply protocol.Reply

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return protocol.Reply{}, undeliverable(fmt.Errorf("failed to unmarshal reply on %s: %w", subject, err))
	}

	return reply, delivered()
}

// classify maps transport errors onto ErrSurfaceUnreachable. A counterpart that
// does not answer within the timeout is treated as absent; a cancelled caller is
// reported as such.
func classify(ctx context.Context, subject string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("send on %s abandoned: %w", subject, ctx.Err())
	}

	if errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", core.ErrSurfaceUnreachable, subject)
	}

	return fmt.Errorf("send on %s failed: %w", subject, err)
}

// respond acknowledges a request. Messages without a reply subject are
// fire-and-forget and need no answer.
func respond(msg *nats.Msg, reply protocol.Reply) error {
	if msg.Reply == "" {
		return nil
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	err = msg.Respond(data)
	if err != nil {
		return fmt.Errorf("failed to respond: %w", err)
	}

	return nil
}

// Deliver sends msg to an arbitrary relay subject. The player frame uses it
// for its upward closure requests.
func Deliver(ctx context.Context, conn *nats.Conn, subject string, msg protocol.Message, timeout time.Duration) Delivery {
	_, delivery := deliver(ctx, conn, subject, msg, timeout)

	return delivery
}

// Respond acknowledges a relayed message on behalf of a frame handler.
func Respond(msg *nats.Msg, reply protocol.Reply) error {
	return respond(msg, reply)
}
