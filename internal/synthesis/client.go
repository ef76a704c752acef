// Package synthesis provides the client for the remote task-based TTS API.
//
// Synthesis is asynchronous on the remote side: a submission creates a task,
// and the task status is read back until it completes or fails. This client
// performs exactly one HTTP exchange per call; retries and polling belong to
// the caller.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/speechie/internal/core"
)

// API endpoints and paths.
const (
	apiSynthesisTasks = "/synthesisTasks"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

// Default values.
const (
	// DefaultBaseURL is the public endpoint of the synthesis API.
	DefaultBaseURL = "https://api.v8.unrealspeech.com"
	// DefaultBitrate is requested for every task.
	DefaultBitrate = "192k"
)

// Error messages.
const (
	errFmtSubmitStatus   = "API Error: %s"
	errFmtPollStatus     = "API Error while polling: %s"
	errMissingTaskID     = "response carried no task id"
	errFmtUnknownStatus  = "unknown task status %q"
	errMissingOutputURI  = "completed task carried no output uri"
	errFmtDecodeResponse = "failed to decode response: %v"
)

// APIError is a non-success answer from the synthesis API. Its text is the
// detail shown to the user; it still matches core.ErrTransport.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return e.Detail
}

func (e *APIError) Unwrap() error {
	return core.ErrTransport
}

// Client issues submit and status calls against the synthesis API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	bitrate    string
}

// taskRequest is the JSON body of a task submission.
type taskRequest struct {
	Text    string `json:"Text"`
	VoiceID string `json:"VoiceId"`
	Bitrate string `json:"Bitrate"`
}

// taskEnvelope wraps every task response.
type taskEnvelope struct {
	SynthesisTask taskBody `json:"SynthesisTask"`
}

type taskBody struct {
	TaskID     string `json:"TaskId"`
	TaskStatus string `json:"TaskStatus"`
	OutputURI  string `json:"OutputUri"`
}

// errorResponse is the structured error the API returns on failure.
type errorResponse struct {
	Message string `json:"message"`
}

// NewClient creates a client for the API at baseURL. The timeout applies to
// each individual HTTP exchange.
func NewClient(baseURL, bitrate string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if bitrate == "" {
		bitrate = DefaultBitrate
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		bitrate: bitrate,
	}
}

// Submit creates a synthesis task. The returned job is pending; its TaskID is
// used for every later status read.
func (c *Client) Submit(ctx context.Context, req core.SynthesisRequest) (core.SynthesisJob, error) {
	requestBody, err := json.Marshal(taskRequest{
		Text:    req.Text,
		VoiceID: req.VoiceID,
		Bitrate: c.bitrate,
	})
	if err != nil {
		return core.SynthesisJob{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiSynthesisTasks,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return core.SynthesisJob{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerAuthorization, bearerPrefix+req.APIKey)
	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.SynthesisJob{}, fmt.Errorf("%w: failed to reach %s: %w", core.ErrTransport, c.baseURL, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return core.SynthesisJob{}, &APIError{
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf(errFmtSubmitStatus, serverMessage(resp)),
		}
	}

	body, err := decodeTask(resp.Body)
	if err != nil {
		return core.SynthesisJob{}, err
	}

	if body.TaskID == "" {
		return core.SynthesisJob{}, fmt.Errorf("%w: %s", core.ErrTransport, errMissingTaskID)
	}

	return core.SynthesisJob{
		TaskID:    body.TaskID,
		Status:    core.StatusPending,
		OutputURI: "",
	}, nil
}

// FetchStatus reads the current state of a task.
func (c *Client) FetchStatus(ctx context.Context, taskID, apiKey string) (core.SynthesisJob, error) {
	endpoint := c.baseURL + apiSynthesisTasks + "/" + url.PathEscape(taskID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return core.SynthesisJob{}, fmt.Errorf("failed to create status request: %w", err)
	}

	httpReq.Header.Set(headerAuthorization, bearerPrefix+apiKey)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.SynthesisJob{}, fmt.Errorf("%w: status check for task %s failed: %w", core.ErrTransport, taskID, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return core.SynthesisJob{}, &APIError{
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf(errFmtPollStatus, statusText(resp)),
		}
	}

	body, err := decodeTask(resp.Body)
	if err != nil {
		return core.SynthesisJob{}, err
	}

	status := core.TaskStatus(body.TaskStatus)
	if !status.Valid() {
		return core.SynthesisJob{}, fmt.Errorf("%w: "+errFmtUnknownStatus, core.ErrTransport, body.TaskStatus)
	}

	if status == core.StatusCompleted && body.OutputURI == "" {
		return core.SynthesisJob{}, fmt.Errorf("%w: %s", core.ErrTransport, errMissingOutputURI)
	}

	job := core.SynthesisJob{
		TaskID:    taskID,
		Status:    status,
		OutputURI: "",
	}
	if status == core.StatusCompleted {
		job.OutputURI = body.OutputURI
	}

	return job, nil
}

func isSuccess(code int) bool {
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func decodeTask(body io.Reader) (taskBody, error) {
	var envelope taskEnvelope

	err := json.NewDecoder(body).Decode(&envelope)
	if err != nil {
		return taskBody{}, fmt.Errorf("%w: "+errFmtDecodeResponse, core.ErrTransport, err)
	}

	return envelope.SynthesisTask, nil
}

// serverMessage prefers the API's own error message and falls back to the
// HTTP status text.
func serverMessage(resp *http.Response) string {
	var errorResp errorResponse

	err := json.NewDecoder(resp.Body).Decode(&errorResp)
	if err == nil && errorResp.Message != "" {
		return errorResp.Message
	}

	return statusText(resp)
}

func statusText(resp *http.Response) string {
	text := http.StatusText(resp.StatusCode)
	if text == "" {
		return resp.Status
	}

	return text
}
