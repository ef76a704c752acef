package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/coordinator"
	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/notify"
	"github.com/book-expert/speechie/internal/poller"
	"github.com/book-expert/speechie/internal/protocol"
	"github.com/book-expert/speechie/internal/relay"
	"github.com/book-expert/speechie/internal/synthesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInterval = 10 * time.Millisecond
	testDeadline = 200 * time.Millisecond
	testSurface  = core.SurfaceHandle("tab-1")
	testAudioURL = "https://cdn/x.mp3"
)

var (
	errMockSubmit = errors.New("mock submit error")
	errMockFetch  = errors.New("mock status error")
)

// fakeClient hands out task-1, task-2, ... and answers each task from its own
// status script; the last entry repeats.
type fakeClient struct {
	mu        sync.Mutex
	scripts   map[string][]core.TaskStatus
	submitErr error
	fetchErrs map[string]error
	submitted []core.SynthesisRequest
	nextID    atomic.Int32
	checks    map[string]int
}

func newFakeClient(scripts ...[]core.TaskStatus) *fakeClient {
	client := &fakeClient{
		scripts:   make(map[string][]core.TaskStatus),
		fetchErrs: make(map[string]error),
		checks:    make(map[string]int),
	}
	for i, script := range scripts {
		client.scripts[fmt.Sprintf("task-%d", i+1)] = script
	}

	return client
}

func (c *fakeClient) Submit(_ context.Context, req core.SynthesisRequest) (core.SynthesisJob, error) {
	c.mu.Lock()
	c.submitted = append(c.submitted, req)
	c.mu.Unlock()

	if c.submitErr != nil {
		return core.SynthesisJob{}, c.submitErr
	}

	taskID := fmt.Sprintf("task-%d", c.nextID.Add(1))

	return core.SynthesisJob{TaskID: taskID, Status: core.StatusPending}, nil
}

func (c *fakeClient) FetchStatus(_ context.Context, taskID, _ string) (core.SynthesisJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	script := c.scripts[taskID]
	index := c.checks[taskID]
	c.checks[taskID]++

	if index >= len(script) {
		// Once a script runs out, the task answers with its fetch error if it has one.
		fetchErr := c.fetchErrs[taskID]
		if fetchErr != nil {
			return core.SynthesisJob{}, fetchErr
		}

		index = len(script) - 1
	}

	job := core.SynthesisJob{TaskID: taskID, Status: script[index]}
	if job.Status == core.StatusCompleted {
		job.OutputURI = testAudioURL
	}

	return job, nil
}

func (c *fakeClient) requests() []core.SynthesisRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]core.SynthesisRequest(nil), c.submitted...)
}

type fakeSettings struct {
	settings core.UserSettings
	err      error
}

func (s *fakeSettings) Get(_ context.Context) (core.UserSettings, error) {
	return s.settings, s.err
}

func (s *fakeSettings) Save(_ context.Context, settings core.UserSettings) error {
	s.settings = settings

	return nil
}

type sentMessage struct {
	surface core.SurfaceHandle
	msg     protocol.Message
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *fakeRelay) Send(_ context.Context, surface core.SurfaceHandle, msg protocol.Message) relay.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, sentMessage{surface: surface, msg: msg})

	return relay.Delivery{Status: relay.Delivered, Reason: nil}
}

func (r *fakeRelay) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]sentMessage(nil), r.sent...)
}

type fakeNotifier struct {
	mu           sync.Mutex
	shown        []core.Notification
	cleared      []string
	optionsOpens int
}

func (n *fakeNotifier) Notify(_ context.Context, notification core.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.shown = append(n.shown, notification)

	return nil
}

func (n *fakeNotifier) Clear(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.cleared = append(n.cleared, id)

	return nil
}

func (n *fakeNotifier) OpenOptions(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.optionsOpens++

	return nil
}

func (n *fakeNotifier) snapshot() ([]core.Notification, []string, int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]core.Notification(nil), n.shown...), append([]string(nil), n.cleared...), n.optionsOpens
}

type fakeArchive struct {
	mu       sync.Mutex
	archived []string
}

func (a *fakeArchive) Archive(_ context.Context, taskID, audioURL string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.archived = append(a.archived, taskID+"="+audioURL)

	return taskID + ".mp3", nil
}

type harness struct {
	coordinator *coordinator.Coordinator
	client      core.SynthesisClient
	settings    *fakeSettings
	relay       *fakeRelay
	notifier    *fakeNotifier
	archive     *fakeArchive
}

func newHarness(t *testing.T, client core.SynthesisClient, settings core.UserSettings) *harness {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "coordinator-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	statusPoller, err := poller.New(client, poller.Config{Interval: testInterval, Deadline: testDeadline}, testLogger, nil)
	require.NoError(t, err)

	h := &harness{
		client:   client,
		settings: &fakeSettings{settings: settings},
		relay:    &fakeRelay{},
		notifier: &fakeNotifier{},
		archive:  &fakeArchive{},
	}

	h.coordinator = coordinator.New(coordinator.Dependencies{
		Client:   client,
		Poller:   statusPoller,
		Settings: h.settings,
		Relay:    h.relay,
		Notifier: h.notifier,
		Archive:  h.archive,
		Metrics:  nil,
	}, "", testLogger)

	return h
}

func validSettings() core.UserSettings {
	return core.UserSettings{APIKey: "k", Voice: ""}
}

func TestRun_HappyPath(t *testing.T) {
	t.Parallel()

	client := newFakeClient([]core.TaskStatus{core.StatusPending, core.StatusInProgress, core.StatusCompleted})
	h := newHarness(t, client, validSettings())

	h.coordinator.Run(context.Background(), "  Hello world  ", testSurface, "wf-1")

	requests := client.requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "Hello world", requests[0].Text)
	assert.Equal(t, coordinator.DefaultVoice, requests[0].VoiceID)
	assert.Equal(t, "k", requests[0].APIKey)

	sent := h.relay.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, testSurface, sent[0].surface)
	assert.Equal(t, protocol.ActionAudioReady, sent[0].msg.Action)
	assert.Equal(t, testAudioURL, sent[0].msg.AudioURL)
	assert.Equal(t, "wf-1", sent[0].msg.Header.WorkflowID)

	shown, cleared, _ := h.notifier.snapshot()
	require.Len(t, shown, 1)
	assert.Equal(t, notify.IDProgress, shown[0].ID)
	assert.Equal(t, "Processing your text...", shown[0].Message)
	assert.Equal(t, []string{notify.IDProgress}, cleared)

	assert.Equal(t, []string{"task-1=" + testAudioURL}, h.archive.archived)
}

func TestRun_UsesStoredVoice(t *testing.T) {
	t.Parallel()

	client := newFakeClient([]core.TaskStatus{core.StatusCompleted})
	h := newHarness(t, client, core.UserSettings{APIKey: "k", Voice: "Scarlett"})

	h.coordinator.Run(context.Background(), "Hi", testSurface, "wf-1")

	requests := client.requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "Scarlett", requests[0].VoiceID)
}

func TestRun_MissingAPIKey(t *testing.T) {
	t.Parallel()

	client := newFakeClient([]core.TaskStatus{core.StatusCompleted})
	h := newHarness(t, client, core.UserSettings{APIKey: "", Voice: ""})

	h.coordinator.Run(context.Background(), "Hi", testSurface, "wf-1")

	assert.Empty(t, client.requests())

	sent := h.relay.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionClosePlayer, sent[0].msg.Action)

	shown, _, optionsOpens := h.notifier.snapshot()
	require.Len(t, shown, 1)
	assert.Equal(t, notify.IDError, shown[0].ID)
	assert.Equal(t, "API Key not set. Please set it in options.", shown[0].Message)
	assert.True(t, shown[0].Persistent)
	assert.Equal(t, 1, optionsOpens)
}

func TestRun_TimesOut(t *testing.T) {
	t.Parallel()

	client := newFakeClient([]core.TaskStatus{core.StatusInProgress})
	h := newHarness(t, client, validSettings())

	start := time.Now()
	h.coordinator.Run(context.Background(), "Hi", testSurface, "wf-1")

	assert.GreaterOrEqual(t, time.Since(start), testDeadline)

	sent := h.relay.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionAudioFailed, sent[0].msg.Action)

	shown, cleared, _ := h.notifier.snapshot()
	require.Len(t, shown, 2)
	assert.Equal(t, "Synthesis timed out. Please try again.", shown[1].Message)
	assert.Contains(t, cleared, notify.IDProgress)
	assert.Empty(t, h.archive.archived)
}

func TestRun_EmptySelection(t *testing.T) {
	t.Parallel()

	client := newFakeClient([]core.TaskStatus{core.StatusCompleted})
	h := newHarness(t, client, validSettings())

	h.coordinator.Run(context.Background(), " \n\t ", testSurface, "wf-1")

	assert.Empty(t, client.requests())

	sent := h.relay.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionNoTextSelected, sent[0].msg.Action)

	shown, cleared, _ := h.notifier.snapshot()
	assert.Empty(t, shown)
	assert.Empty(t, cleared)
}

func TestRun_TaskFailed(t *testing.T) {
	t.Parallel()

	client := newFakeClient([]core.TaskStatus{core.StatusPending, core.StatusFailed})
	h := newHarness(t, client, validSettings())

	h.coordinator.Run(context.Background(), "Hi", testSurface, "wf-1")

	sent := h.relay.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionAudioFailed, sent[0].msg.Action)

	shown, _, _ := h.notifier.snapshot()
	require.Len(t, shown, 2)
	assert.Equal(t, "Audio synthesis failed.", shown[1].Message)
	assert.True(t, shown[1].Persistent)
}

func TestRun_SubmitError(t *testing.T) {
	t.Parallel()

	client := newFakeClient([]core.TaskStatus{core.StatusCompleted})
	client.submitErr = errMockSubmit
	h := newHarness(t, client, validSettings())

	h.coordinator.Run(context.Background(), "Hi", testSurface, "wf-1")

	sent := h.relay.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionAudioFailed, sent[0].msg.Action)

	shown, cleared, _ := h.notifier.snapshot()
	require.Len(t, shown, 2)
	assert.Equal(t, "Failed to process TTS: mock submit error", shown[1].Message)
	assert.Equal(t, []string{notify.IDProgress}, cleared)
}

func TestRun_PollError(t *testing.T) {
	t.Parallel()

	client := newFakeClient([]core.TaskStatus{core.StatusPending, core.StatusInProgress})
	client.fetchErrs["task-1"] = errMockFetch
	h := newHarness(t, client, validSettings())

	h.coordinator.Run(context.Background(), "Hi", testSurface, "wf-1")

	sent := h.relay.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionAudioFailed, sent[0].msg.Action)
	assert.Equal(t, "wf-1", sent[0].msg.Header.WorkflowID)

	shown, cleared, optionsOpens := h.notifier.snapshot()
	assert.Equal(t, []string{notify.IDProgress}, cleared)
	require.Len(t, shown, 2)
	assert.Equal(t, notify.IDProgress, shown[0].ID)
	assert.Equal(t, notify.IDError, shown[1].ID)
	assert.Equal(t, "Failed to process TTS: mock status error", shown[1].Message)
	assert.True(t, shown[1].Persistent)
	assert.Zero(t, optionsOpens)
	assert.Empty(t, h.archive.archived)
}

// The remote API's own message reaches the user without transport wrapping.
func TestRun_APIErrorMessage(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "submit rejected",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"message":"Invalid API key"}`))
			},
			want: "Failed to process TTS: API Error: Invalid API key",
		},
		{
			name: "status check rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					_, _ = w.Write([]byte(`{"SynthesisTask":{"TaskId":"task-1","TaskStatus":"scheduled"}}`))

					return
				}

				w.WriteHeader(http.StatusInternalServerError)
			},
			want: "Failed to process TTS: API Error while polling: Internal Server Error",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(tc.handler)
			t.Cleanup(server.Close)

			h := newHarness(t, synthesis.NewClient(server.URL, "", time.Second), validSettings())

			h.coordinator.Run(context.Background(), "Hi", testSurface, "wf-1")

			sent := h.relay.messages()
			require.Len(t, sent, 1)
			assert.Equal(t, protocol.ActionAudioFailed, sent[0].msg.Action)

			shown, _, _ := h.notifier.snapshot()
			require.Len(t, shown, 2)
			assert.Equal(t, tc.want, shown[1].Message)
		})
	}
}

func TestStart_ReplacesRunOnSameSurface(t *testing.T) {
	t.Parallel()

	client := newFakeClient(
		[]core.TaskStatus{core.StatusInProgress},
		[]core.TaskStatus{core.StatusPending, core.StatusCompleted},
	)
	h := newHarness(t, client, validSettings())

	h.coordinator.Start(context.Background(), "first", testSurface, "wf-1")
	time.Sleep(3 * testInterval)
	h.coordinator.Start(context.Background(), "second", testSurface, "wf-2")
	h.coordinator.Wait()

	sent := h.relay.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.ActionAudioReady, sent[0].msg.Action)
	assert.Equal(t, "wf-2", sent[0].msg.Header.WorkflowID)
}

func TestStart_IndependentSurfaces(t *testing.T) {
	t.Parallel()

	client := newFakeClient(
		[]core.TaskStatus{core.StatusCompleted},
		[]core.TaskStatus{core.StatusCompleted},
	)
	h := newHarness(t, client, validSettings())

	h.coordinator.Start(context.Background(), "one", "tab-1", "wf-1")
	h.coordinator.Start(context.Background(), "two", "tab-2", "wf-2")
	h.coordinator.Wait()

	sent := h.relay.messages()
	require.Len(t, sent, 2)

	surfaces := []core.SurfaceHandle{sent[0].surface, sent[1].surface}
	assert.ElementsMatch(t, []core.SurfaceHandle{"tab-1", "tab-2"}, surfaces)
}

func TestRun_ParentCancelledDeliversNothing(t *testing.T) {
	t.Parallel()

	client := newFakeClient([]core.TaskStatus{core.StatusInProgress})
	h := newHarness(t, client, validSettings())

	ctx, cancel := context.WithTimeout(context.Background(), 3*testInterval)
	defer cancel()

	h.coordinator.Run(ctx, "Hi", testSurface, "wf-1")

	assert.Empty(t, h.relay.messages())
}
