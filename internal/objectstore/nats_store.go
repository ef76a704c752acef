// Package objectstore archives synthesized audio in a NATS JetStream object store.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	audioExtension     = ".mp3"
	audioContentType   = "audio/mpeg"
	headerContentType  = "Content-Type"
	headerSourceURL    = "Speechie-Source-Url"
	defaultFetchLimit  = 30 * time.Second
	errFmtFetchStatus  = "audio fetch from %s returned status: %s"
	errFmtEmptyAudio   = "audio fetched from %s was empty"
	errFmtBucketCreate = "failed to create object store bucket '%s': %w"
)

// DefaultBucket holds archived audio.
const DefaultBucket = "SPEECHIE_AUDIO"

// ErrEmptyTaskID indicates an archive request without a task id.
var ErrEmptyTaskID = errors.New("task id cannot be empty")

// AudioArchive implements core.ObjectStore and core.AudioArchiver.
type AudioArchive struct {
	bucket     string
	store      nats.ObjectStore
	httpClient *http.Client
}

// New creates the archive, binding to the bucket when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string, httpClient *http.Client) (*AudioArchive, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Synthesized audio archived in the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf(errFmtBucketCreate, bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchLimit}
	}

	return &AudioArchive{
		bucket:     bucketName,
		store:      store,
		httpClient: httpClient,
	}, nil
}

// Key names the archived audio of a task. A name that already carries the
// audio extension is returned unchanged.
func Key(taskID string) string {
	if strings.HasSuffix(taskID, audioExtension) {
		return taskID
	}

	return taskID + audioExtension
}

// Archive copies the audio at audioURL into the bucket and returns its key.
func (a *AudioArchive) Archive(ctx context.Context, taskID, audioURL string) (string, error) {
	if taskID == "" {
		return "", ErrEmptyTaskID
	}

	data, err := a.fetch(ctx, audioURL)
	if err != nil {
		return "", err
	}

	key := Key(taskID)

	err = a.put(key, audioURL, data)
	if err != nil {
		return "", err
	}

	return key, nil
}

// Download retrieves archived audio.
func (a *AudioArchive) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := a.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, a.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload stores raw audio under key.
func (a *AudioArchive) Upload(_ context.Context, key string, data []byte) error {
	return a.put(key, "", data)
}

func (a *AudioArchive) put(key, sourceURL string, data []byte) error {
	headers := nats.Header{}
	headers.Set(headerContentType, audioContentType)

	if sourceURL != "" {
		headers.Set(headerSourceURL, sourceURL)
	}

	_, err := a.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     headers,
		Metadata:    nil,
		Opts:        nil,
	}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, a.bucket, err)
	}

	return nil
}

func (a *AudioArchive) fetch(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio fetch request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audio from %s: %w", audioURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(errFmtFetchStatus, audioURL, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio from %s: %w", audioURL, err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf(errFmtEmptyAudio, audioURL)
	}

	return data, nil
}
