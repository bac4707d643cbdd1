package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/persistence/document"
)

func TestHealth(t *testing.T) {
	handler, _ := newTestHandler(t)
	now := time.Date(2025, time.May, 1, 12, 0, 0, 0, time.UTC)
	handler.now = func() time.Time { return now }

	rec := serve(handler, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true,"message":"Backend is healthy","time":"2025-05-01T12:00:00Z"}`, rec.Body.String())
}

func TestProgressOnFreshStore(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := serve(handler, http.MethodGet, "/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"users":[],"progress":[]}`, rec.Body.String())
}

// Scenario: two devices submit overlapping data. The store ends up with the
// union and each ack reports what was offered.
func TestSyncFromTwoDevicesConverges(t *testing.T) {
	handler, _ := newTestHandler(t)

	first := `{"users":["Ana","Ben"],"progress":[
		{"id":"a1","user":"Ana","activityId":"q1","answer":"5","correct":true,"timestamp":"2025-05-01T10:00:00Z"},
		{"user":"Ben","activityId":"q1","timestamp":"2025-05-01T10:01:00Z"}
	]}`
	second := `{"users":["Ben","Cleo"],"progress":[
		{"id":"other","user":"Ana","activityId":"q1","answer":"6","correct":false,"timestamp":"2025-05-01T10:00:00Z"},
		{"user":"Cleo","activityId":"q2","answer":3,"correct":"yes","timestamp":"2025-05-01T10:02:00Z"},
		{"user":"","activityId":"q3","timestamp":"2025-05-01T10:03:00Z"}
	]}`

	rec := serve(handler, http.MethodPost, "/sync", first)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true,"savedUsers":2,"savedProgress":2}`, rec.Body.String())

	rec = serve(handler, http.MethodPost, "/sync", second)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true,"savedUsers":2,"savedProgress":3}`, rec.Body.String())

	// Replaying a submission changes nothing.
	rec = serve(handler, http.MethodPost, "/sync", first)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc domain.Document
	rec = serve(handler, http.MethodGet, "/progress", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	require.Equal(t, []string{"Ana", "Ben", "Cleo"}, doc.Users)
	require.Len(t, doc.Progress, 3)

	ana := doc.Progress[0]
	require.Equal(t, "a1", ana.ID)
	require.Equal(t, "5", *ana.Answer)
	require.True(t, *ana.Correct)

	ben := doc.Progress[1]
	require.NotEmpty(t, ben.ID)
	require.Nil(t, ben.Answer)
	require.Nil(t, ben.Correct)

	cleo := doc.Progress[2]
	require.Equal(t, "3", *cleo.Answer)
	require.Nil(t, cleo.Correct)
}

func TestSyncTreatsMalformedBodiesAsEmpty(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, body := range []string{"", "not json", `{"users":"Ana","progress":{"user":"Ana"}}`, `[1,2,3]`} {
		rec := serve(handler, http.MethodPost, "/sync", body)
		require.Equal(t, http.StatusOK, rec.Code, body)
		require.JSONEq(t, `{"ok":true,"savedUsers":0,"savedProgress":0}`, rec.Body.String(), body)
	}

	rec := serve(handler, http.MethodGet, "/progress", "")
	require.JSONEq(t, `{"users":[],"progress":[]}`, rec.Body.String())
}

func TestSyncCountsNonStringUsersAsOffered(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := serve(handler, http.MethodPost, "/sync", `{"users":["Ana",42,"  ",null]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true,"savedUsers":4,"savedProgress":0}`, rec.Body.String())

	rec = serve(handler, http.MethodGet, "/progress", "")
	require.JSONEq(t, `{"users":["Ana"],"progress":[]}`, rec.Body.String())
}

func TestSyncPersistFailureReturns500(t *testing.T) {
	logger, hook := test.NewNullLogger()
	service := domain.NewService(failingRepo{}, domain.WithLogger(logger))
	handler := NewHandler(service, logger)

	rec := serve(handler, http.MethodPost, "/sync", `{"users":["Ana"]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"type":"persist_failed","detail":"unable to store submission"}`, rec.Body.String())
	require.NotEmpty(t, hook.AllEntries())
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/sync"},
		{http.MethodPost, "/progress"},
		{http.MethodDelete, "/health"},
	} {
		rec := serve(handler, tc.method, tc.path, "")
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code, tc.path)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler, _ := newTestHandler(t)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	logger, hook := test.NewNullLogger()
	wrapped := RequestLogger(logger)(CORS(mux))

	req := httptest.NewRequest(http.MethodOptions, "/sync", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	require.Len(t, hook.AllEntries(), 2)
	require.Equal(t, http.StatusNoContent, hook.AllEntries()[0].Data["status"])
}

func newTestHandler(t *testing.T) (*Handler, *document.Repository) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	repo, err := document.NewRepository(filepath.Join(t.TempDir(), "db.json"), logger)
	require.NoError(t, err)
	service := domain.NewService(repo, domain.WithLogger(logger))
	return NewHandler(service, logger), repo
}

func serve(handler *Handler, method, path, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

type failingRepo struct{}

func (failingRepo) Load(context.Context) (domain.Document, error) {
	return domain.EmptyDocument(), nil
}

func (failingRepo) Update(context.Context, func(*domain.Document) error) error {
	return errors.New("disk full")
}
