package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/notify"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupNotifier(t *testing.T) (*notify.Notifier, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	testLogger, err := logger.New(t.TempDir(), "notify-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	return notify.New(natsConnection, testLogger), natsConnection
}

func nextEvent(t *testing.T, sub *nats.Subscription) notify.Event {
	t.Helper()

	msg, err := sub.NextMsg(time.Second)
	require.NoError(t, err)

	var event notify.Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))

	return event
}

func TestNotifier_NotifyAndClear(t *testing.T) {
	t.Parallel()

	notifier, conn := setupNotifier(t)

	sub, err := conn.SubscribeSync(protocol.SubjectNotifications)
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	ctx := context.Background()
	require.NoError(t, notifier.Notify(ctx, notify.Error(notify.IDError, "Audio synthesis failed.")))
	require.NoError(t, notifier.Clear(ctx, notify.IDProgress))

	created := nextEvent(t, sub)
	assert.Equal(t, notify.OpCreate, created.Op)
	assert.Equal(t, notify.IDError, created.Notification.ID)
	assert.Equal(t, notify.TitleError, created.Notification.Title)
	assert.True(t, created.Notification.Persistent)

	cleared := nextEvent(t, sub)
	assert.Equal(t, notify.OpClear, cleared.Op)
	assert.Equal(t, notify.IDProgress, cleared.Notification.ID)
}

func TestNotifier_OpenOptions(t *testing.T) {
	t.Parallel()

	notifier, conn := setupNotifier(t)

	sub, err := conn.SubscribeSync(protocol.SubjectOptionsOpen)
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	require.NoError(t, notifier.OpenOptions(context.Background()))

	_, err = sub.NextMsg(time.Second)
	require.NoError(t, err)
}

func TestInfo_IsTransient(t *testing.T) {
	t.Parallel()

	notification := notify.Info(notify.IDProgress, "Processing your text...")
	assert.False(t, notification.Persistent)
	assert.Equal(t, notify.TitleDefault, notification.Title)
}
