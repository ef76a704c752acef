// Package worker provides a NATS worker that dispatches user commands.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/nats-io/nats.go"
)

var (
	// ErrCommandEmpty indicates a command message without a command name.
	ErrCommandEmpty = errors.New("command cannot be empty")
	// ErrNilDispatcher indicates that no dispatcher was provided.
	ErrNilDispatcher = errors.New("dispatcher cannot be nil")
)

// Dispatcher executes one named command against a surface.
type Dispatcher interface {
	Dispatch(ctx context.Context, command string, surface core.SurfaceHandle) error
}

// NatsWorker listens for commands on a NATS subject and dispatches them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	dispatcher     Dispatcher
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	dispatcher Dispatcher,
	log *logger.Logger,
) (*NatsWorker, error) {
	if dispatcher == nil {
		return nil, ErrNilDispatcher
	}

	if subject == "" {
		subject = protocol.SubjectCommands
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		dispatcher:     dispatcher,
		log:            log,
	}, nil
}

// Run starts the worker and dispatches commands until ctx is done. Work
// started by a command lives as long as ctx.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for commands on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(ctx context.Context, msg *nats.Msg) {
	command, err := w.parseAndValidateCommand(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate command: %v", err)
		w.acknowledge(msg, err)

		return
	}

	dispatchErr := w.dispatcher.Dispatch(ctx, command.Command, core.SurfaceHandle(command.Surface))
	if dispatchErr != nil {
		w.log.Error("Failed to dispatch %s for surface %s: %v", command.Command, command.Surface, dispatchErr)
	}

	w.acknowledge(msg, dispatchErr)
}

// acknowledge answers commands that were sent as requests.
func (w *NatsWorker) acknowledge(msg *nats.Msg, dispatchErr error) {
	if msg.Reply == "" {
		return
	}

	ack := protocol.CommandAck{OK: dispatchErr == nil, Error: ""}
	if dispatchErr != nil {
		ack.Error = dispatchErr.Error()
	}

	replyData, err := json.Marshal(ack)
	if err != nil {
		w.log.Error("Failed to marshal command ack: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish command ack: %v", err)
	}
}

func (w *NatsWorker) parseAndValidateCommand(msg *nats.Msg) (protocol.Command, error) {
	var command protocol.Command

	err := json.Unmarshal(msg.Data, &command)
	if err != nil {
		return protocol.Command{}, fmt.Errorf("failed to unmarshal command: %w", err)
	}

	if command.Command == "" {
		return protocol.Command{}, ErrCommandEmpty
	}

	err = protocol.ValidateSurface(command.Surface)
	if err != nil {
		return protocol.Command{}, fmt.Errorf("command %s: %w", command.Command, err)
	}

	return command, nil
}
