// Package settings persists UserSettings in a NATS JetStream key-value bucket.
package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/speechie/internal/core"
	"github.com/nats-io/nats.go"
)

// Keys of the two persisted settings.
const (
	KeyAPIKey = "apiKey"
	KeyVoice  = "voice"
)

// DefaultBucket is used when no bucket name is configured.
const DefaultBucket = "SPEECHIE_SETTINGS"

// Store implements core.SettingsStore on a key-value bucket.
type Store struct {
	bucket string
	kv     nats.KeyValue
}

// New binds to the bucket, creating it on first use.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*Store, error) {
	if bucketName == "" {
		bucketName = DefaultBucket
	}

	kv, err := jetstreamContext.KeyValue(bucketName)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			return nil, fmt.Errorf("failed to bind to settings bucket '%s': %w", bucketName, err)
		}

		kv, err = jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucketName,
			Description: "Speechie user settings.",
			History:     1,
			Storage:     nats.FileStorage,
			Replicas:    1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create settings bucket '%s': %w", bucketName, err)
		}
	}

	return &Store{
		bucket: bucketName,
		kv:     kv,
	}, nil
}

// Get reads both settings. Keys that were never written read as empty.
func (s *Store) Get(_ context.Context) (core.UserSettings, error) {
	apiKey, err := s.getString(KeyAPIKey)
	if err != nil {
		return core.UserSettings{}, err
	}

	voice, err := s.getString(KeyVoice)
	if err != nil {
		return core.UserSettings{}, err
	}

	return core.UserSettings{
		APIKey: apiKey,
		Voice:  voice,
	}, nil
}

// Save writes both settings.
func (s *Store) Save(_ context.Context, userSettings core.UserSettings) error {
	_, err := s.kv.PutString(KeyAPIKey, userSettings.APIKey)
	if err != nil {
		return fmt.Errorf("failed to save '%s' to bucket '%s': %w", KeyAPIKey, s.bucket, err)
	}

	_, err = s.kv.PutString(KeyVoice, userSettings.Voice)
	if err != nil {
		return fmt.Errorf("failed to save '%s' to bucket '%s': %w", KeyVoice, s.bucket, err)
	}

	return nil
}

func (s *Store) getString(key string) (string, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return "", nil
		}

		return "", fmt.Errorf("failed to read '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	return string(entry.Value()), nil
}
