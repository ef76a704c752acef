// Package worker_test tests the NATS command worker.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/book-expert/speechie/internal/worker"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSubject = "test.commands"

var errMockDispatch = errors.New("mock dispatch error")

type dispatched struct {
	command string
	surface core.SurfaceHandle
	ctxLive bool
}

// mockDispatcher records each call and fails when asked to.
type mockDispatcher struct {
	mu         sync.Mutex
	calls      []dispatched
	shouldFail bool
}

func (m *mockDispatcher) Dispatch(ctx context.Context, command string, surface core.SurfaceHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, dispatched{command: command, surface: surface, ctxLive: ctx.Err() == nil})

	if m.shouldFail {
		return errMockDispatch
	}

	return nil
}

func (m *mockDispatcher) recorded() []dispatched {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]dispatched(nil), m.calls...)
}

func createTestNatsClient(t *testing.T) (*nats.Conn, func()) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	cleanup := func() {
		natsConnection.Close()
		server.Shutdown()
	}

	return natsConnection, cleanup
}

func startWorker(t *testing.T, dispatcher worker.Dispatcher) (*nats.Conn, context.CancelFunc, chan error) {
	t.Helper()

	natsConnection, natsCleanup := createTestNatsClient(t)
	t.Cleanup(natsCleanup)

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	workerInstance, err := worker.NewNatsWorker(natsConnection, testSubject, dispatcher, testLogger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	// Requests before the subscription exists would see no responders.
	require.Eventually(t, func() bool {
		_, requestErr := natsConnection.Request(testSubject, []byte(`{}`), 100*time.Millisecond)

		return requestErr == nil
	}, 2*time.Second, 20*time.Millisecond)

	return natsConnection, cancel, errChan
}

func sendCommand(t *testing.T, natsConnection *nats.Conn, command protocol.Command) protocol.CommandAck {
	t.Helper()

	data, err := json.Marshal(command)
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request(testSubject, data, 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive an ack")

	var ack protocol.CommandAck
	require.NoError(t, json.Unmarshal(replyMsg.Data, &ack))

	return ack
}

func TestMessageHandler_Success(t *testing.T) {
	t.Parallel()

	dispatcher := &mockDispatcher{}
	natsConnection, cancel, errChan := startWorker(t, dispatcher)

	ack := sendCommand(t, natsConnection, protocol.Command{Command: protocol.CommandTriggerTTS, Surface: "tab-7"})
	assert.True(t, ack.OK)
	assert.Empty(t, ack.Error)

	calls := dispatcher.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, protocol.CommandTriggerTTS, calls[0].command)
	assert.Equal(t, core.SurfaceHandle("tab-7"), calls[0].surface)
	assert.True(t, calls[0].ctxLive)

	cancel()

	shutdownErr := <-errChan
	assert.NoError(t, shutdownErr, "worker.Run should not error on graceful shutdown")
}

func TestMessageHandler_DispatchFailure(t *testing.T) {
	t.Parallel()

	dispatcher := &mockDispatcher{shouldFail: true}
	natsConnection, _, _ := startWorker(t, dispatcher)

	ack := sendCommand(t, natsConnection, protocol.Command{Command: protocol.CommandShowPlayer, Surface: "tab-1"})
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, errMockDispatch.Error())
}

func TestMessageHandler_InvalidPayload(t *testing.T) {
	t.Parallel()

	dispatcher := &mockDispatcher{}
	natsConnection, _, _ := startWorker(t, dispatcher)

	replyMsg, err := natsConnection.Request(testSubject, []byte("not json"), 5*time.Second)
	require.NoError(t, err)

	var ack protocol.CommandAck
	require.NoError(t, json.Unmarshal(replyMsg.Data, &ack))
	assert.False(t, ack.OK)
	assert.NotEmpty(t, ack.Error)
	assert.Empty(t, dispatcher.recorded())
}

func TestNewNatsWorker_NilDispatcher(t *testing.T) {
	t.Parallel()

	_, err := worker.NewNatsWorker(nil, testSubject, nil, nil)
	require.ErrorIs(t, err, worker.ErrNilDispatcher)
}

func TestMessageHandler_RejectsWildcardSurface(t *testing.T) {
	t.Parallel()

	dispatcher := &mockDispatcher{}
	natsConnection, _, _ := startWorker(t, dispatcher)

	for _, surface := range []string{"*", ">", "tab.1", ""} {
		ack := sendCommand(t, natsConnection, protocol.Command{Command: protocol.CommandTriggerTTS, Surface: surface})
		assert.False(t, ack.OK, surface)
		assert.Contains(t, ack.Error, protocol.ErrInvalidSurface.Error(), surface)
	}

	assert.Empty(t, dispatcher.recorded())
}
