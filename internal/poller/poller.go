// Package poller drives a synthesis task to a terminal state within a bounded
// time window.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speechie/internal/core"
	"github.com/book-expert/speechie/internal/metrics"
)

// Default timing.
const (
	DefaultInterval = 3 * time.Second
	DefaultDeadline = 60 * time.Second
)

// ErrInvalidTiming indicates a non-positive interval or deadline.
var ErrInvalidTiming = errors.New("poll interval and deadline must be positive")

// State is the lifecycle position of a polling session.
type State int

// Session states. Every state except StateRunning is terminal.
const (
	StateRunning State = iota
	StateCompleted
	StateFailed
	StateTimedOut
	StateErrored
	StateCancelled
)

// String returns the log label of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Config holds the session timing.
type Config struct {
	Interval time.Duration
	Deadline time.Duration
}

// Result is the single resolution of a session.
type Result struct {
	State     State
	OutputURI string
	Err       error
	Checks    int
	Elapsed   time.Duration
}

// Poller starts polling sessions against a synthesis client.
type Poller struct {
	client  core.SynthesisClient
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Recorder
}

// New creates a Poller. Zero timing values fall back to the defaults.
func New(client core.SynthesisClient, cfg Config, log *logger.Logger, recorder *metrics.Recorder) (*Poller, error) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.Deadline == 0 {
		cfg.Deadline = DefaultDeadline
	}

	if cfg.Interval < 0 || cfg.Deadline < 0 {
		return nil, ErrInvalidTiming
	}

	return &Poller{
		client:  client,
		cfg:     cfg,
		log:     log,
		metrics: recorder,
	}, nil
}

// Poll runs one session for taskID and blocks until it resolves. The first
// check fires one interval after the start; no check result arriving after
// the deadline is awaited.
func (p *Poller) Poll(ctx context.Context, taskID, apiKey string) Result {
	sess := newSession(ctx, p.cfg)
	defer sess.stop()

	result := sess.run(func(checkCtx context.Context) (core.SynthesisJob, error) {
		job, err := p.client.FetchStatus(checkCtx, taskID, apiKey)
		if checkCtx.Err() == nil {
			p.metrics.StatusCheck(checkCtx, string(job.Status))
		}

		return job, err
	})

	p.log.Info("Polling session for task %s ended %s after %d checks in %s",
		taskID, result.State, result.Checks, result.Elapsed.Round(time.Millisecond))

	return result
}

type checkResult struct {
	job core.SynthesisJob
	err error
}

// session owns both timers of one polling run. stop is the only way either
// timer is released, so they can never outlive each other.
type session struct {
	startedAt   time.Time
	interval    *time.Ticker
	deadline    *time.Timer
	checkCtx    context.Context
	cancelCheck context.CancelFunc
	parent      context.Context
}

func newSession(ctx context.Context, cfg Config) *session {
	checkCtx, cancel := context.WithCancel(ctx)

	return &session{
		startedAt:   time.Now(),
		interval:    time.NewTicker(cfg.Interval),
		deadline:    time.NewTimer(cfg.Deadline),
		checkCtx:    checkCtx,
		cancelCheck: cancel,
		parent:      ctx,
	}
}

func (s *session) stop() {
	s.interval.Stop()
	s.deadline.Stop()
	s.cancelCheck()
}

// run is the state machine. A tick that arrives while a check is in flight is
// skipped so checks never overlap.
func (s *session) run(check func(context.Context) (core.SynthesisJob, error)) Result {
	results := make(chan checkResult, 1)
	inFlight := false
	checks := 0

	for {
		select {
		case <-s.parent.Done():
			return s.resolve(StateCancelled, "", s.parent.Err(), checks)

		case <-s.deadline.C:
			return s.expire(results, checks)

		case <-s.interval.C:
			if inFlight {
				continue
			}

			inFlight = true
			checks++

			go func() {
				job, err := check(s.checkCtx)
				results <- checkResult{job: job, err: err}
			}()

		case res := <-results:
			inFlight = false

			result, done := s.settle(res, checks)
			if done {
				return result
			}
		}
	}
}

// expire resolves at the deadline. A check result that is already waiting
// still counts, so an observed terminal status never reads as a timeout.
func (s *session) expire(results <-chan checkResult, checks int) Result {
	select {
	case res := <-results:
		result, done := s.settle(res, checks)
		if done {
			return result
		}
	default:
	}

	return s.resolve(StateTimedOut, "", core.ErrTimedOut, checks)
}

// settle resolves the session for a failed check or a terminal status and
// reports false while the task is still running.
func (s *session) settle(res checkResult, checks int) (Result, bool) {
	if res.err != nil {
		return s.resolve(StateErrored, "", res.err, checks), true
	}

	status := res.job.Status
	if !status.Valid() {
		return s.resolve(StateErrored, "",
			fmt.Errorf("%w: unexpected status %q", core.ErrTransport, status), checks), true
	}

	if !status.Terminal() {
		return Result{}, false
	}

	if status == core.StatusCompleted {
		return s.resolve(StateCompleted, res.job.OutputURI, nil, checks), true
	}

	return s.resolve(StateFailed, "", core.ErrTaskFailed, checks), true
}

func (s *session) resolve(state State, outputURI string, err error, checks int) Result {
	s.stop()

	return Result{
		State:     state,
		OutputURI: outputURI,
		Err:       err,
		Checks:    checks,
		Elapsed:   time.Since(s.startedAt),
	}
}
