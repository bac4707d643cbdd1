package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/domain"
)

func TestSubmitBatchPostsPayload(t *testing.T) {
	var received domain.Batch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"ok":true,"savedUsers":1,"savedProgress":1}`))
	}))
	defer server.Close()

	answer := "4"
	entry := domain.ProgressEntry{ID: "1", User: "Ana", ActivityID: "q1", Answer: &answer, Timestamp: "T1"}
	client := New(WithBaseURL(server.URL + "/"))

	ack, err := client.SubmitBatch(context.Background(), domain.Batch{Users: []string{"Ana"}, Progress: []domain.ProgressEntry{entry}})
	require.NoError(t, err)
	require.Equal(t, domain.Ack{OK: true, SavedUsers: 1, SavedProgress: 1}, ack)
	require.Equal(t, []string{"Ana"}, received.Users)
	require.Equal(t, []domain.ProgressEntry{entry}, received.Progress)
}

func TestSubmitBatchSendsEmptyArrays(t *testing.T) {
	var raw map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"ok":true,"savedUsers":0,"savedProgress":0}`))
	}))
	defer server.Close()

	_, err := New(WithBaseURL(server.URL)).SubmitBatch(context.Background(), domain.Batch{})
	require.NoError(t, err)
	require.JSONEq(t, `[]`, string(raw["users"]))
	require.JSONEq(t, `[]`, string(raw["progress"]))
}

func TestSubmitBatchRejectsUnacknowledged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer server.Close()

	_, err := New(WithBaseURL(server.URL)).SubmitBatch(context.Background(), domain.Batch{})
	require.ErrorIs(t, err, ErrTransport)
}

func TestNon2xxBecomesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"type":"persist_failed","detail":"disk full"}`))
	}))
	defer server.Close()

	_, err := New(WithBaseURL(server.URL)).SubmitBatch(context.Background(), domain.Batch{})
	require.ErrorIs(t, err, ErrTransport)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	require.Equal(t, "persist_failed", httpErr.Type)
	require.Equal(t, "disk full", httpErr.Detail)
}

func TestUnreachableServerIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := New(WithBaseURL(url)).FetchCanonicalUsers(context.Background())
	require.ErrorIs(t, err, ErrTransport)
}

func TestTimeoutIsEnforced(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := New(WithBaseURL(server.URL), WithTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := client.Health(context.Background())
	require.ErrorIs(t, err, ErrTransport)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchCanonicalAndHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/progress", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"users":["Ana","Ben"],"progress":null}`))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"message":"Backend is healthy","time":"2025-05-01T12:00:00Z"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := New(WithBaseURL(server.URL))

	users, err := client.FetchCanonicalUsers(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"Ana", "Ben"}, users)

	doc, err := client.FetchCanonical(context.Background())
	require.NoError(t, err)
	require.NotNil(t, doc.Progress)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	require.True(t, health.OK)
	require.Equal(t, "Backend is healthy", health.Message)
}
