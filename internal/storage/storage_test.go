package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetaudio-desktop/internal/config"
)

func testConfig(endpoint string) config.StorageConfig {
	return config.StorageConfig{
		Endpoint:        endpoint,
		Region:          "auto",
		Bucket:          "meeting-audio",
		AccessKeyID:     "test-access",
		SecretAccessKey: "test-secret",
		PresignExpiry:   time.Hour,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("Should reject incomplete configuration", func(t *testing.T) {
		_, err := NewClient(context.Background(), config.StorageConfig{Bucket: "b"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "incomplete")
	})
}

func TestUploadAudio(t *testing.T) {
	t.Run("Should put the object and return a presigned URL", func(t *testing.T) {
		var gotPath, gotType, gotBody string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotType = r.Header.Get("Content-Type")
			data, _ := io.ReadAll(r.Body)
			gotBody = string(data)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, err := NewClient(context.Background(), testConfig(server.URL))
		require.NoError(t, err)
		client.now = func() time.Time { return time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC) }

		url, err := client.UploadAudio(context.Background(), "Weekly Sync.MP3", []byte("audio"), "audio/mpeg")
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(gotPath, "/meeting-audio/audio/2025-03-09/"), gotPath)
		assert.True(t, strings.HasSuffix(gotPath, ".mp3"), gotPath)
		assert.Equal(t, "audio/mpeg", gotType)
		assert.Equal(t, "audio", gotBody)
		assert.Contains(t, url, server.URL+"/meeting-audio/audio/2025-03-09/")
		assert.Contains(t, url, "X-Amz-Signature=")
	})

	t.Run("Should prefer the public URL when configured", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		cfg := testConfig(server.URL)
		cfg.PublicURL = "https://cdn.example.com"
		client, err := NewClient(context.Background(), cfg)
		require.NoError(t, err)

		url, err := client.UploadAudio(context.Background(), "a.wav", []byte("x"), "audio/wav")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/audio/"), url)
		assert.True(t, strings.HasSuffix(url, ".wav"), url)
	})
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("Should succeed on first attempt", func(t *testing.T) {
		attempts := 0
		err := retryWithBackoff(context.Background(), "key", func() error {
			attempts++
			return nil
		}, 3)

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("Should retry up to maxAttempts times", func(t *testing.T) {
		attempts := 0
		err := retryWithBackoff(context.Background(), "key", func() error {
			attempts++
			return errors.New("temporary error")
		}, 2)

		require.Error(t, err)
		assert.Equal(t, 2, attempts)
		assert.Contains(t, err.Error(), "failed after 2 attempts")
	})

	t.Run("Should succeed on a later attempt", func(t *testing.T) {
		attempts := 0
		err := retryWithBackoff(context.Background(), "key", func() error {
			attempts++
			if attempts < 2 {
				return errors.New("temporary error")
			}
			return nil
		}, 3)

		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("Should stop backing off when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		start := time.Now()
		err := retryWithBackoff(ctx, "key", func() error {
			attempts++
			cancel()
			return errors.New("temporary error")
		}, 3)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
		assert.Less(t, time.Since(start), 400*time.Millisecond)
	})
}
