package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrownotify/internal/queue"
	"escrownotify/internal/types"
)

type fakeQueueService struct {
	stats    queue.QueueStats
	pending  []*types.QueuedMessage
	failed   queue.FailedPage
	err      error
	retried  []string
	lastPage int
	lastLim  int
}

func (f *fakeQueueService) GetQueueStats(context.Context) (queue.QueueStats, error) {
	return f.stats, f.err
}

func (f *fakeQueueService) GetPendingMessages(_ context.Context, limit int) ([]*types.QueuedMessage, error) {
	f.lastLim = limit
	return f.pending, f.err
}

func (f *fakeQueueService) GetFailedMessages(_ context.Context, page, limit int) (queue.FailedPage, error) {
	f.lastPage, f.lastLim = page, limit
	return f.failed, f.err
}

func (f *fakeQueueService) RetryFailed(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.retried = append(f.retried, id)
	return nil
}

func newTestServer(q QueueService) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httptest.NewServer(NewServer(q, nil, logger).Handler())
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(&fakeQueueService{})
	defer srv.Close()

	var body map[string]string
	status := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestHandleStats(t *testing.T) {
	q := &fakeQueueService{stats: queue.QueueStats{
		ByStatus: map[types.MessageStatus]int{
			types.StatusPending: 2,
			types.StatusSent:    7,
		},
		Total: 9,
	}}
	srv := newTestServer(q)
	defer srv.Close()

	var body struct {
		Data queue.QueueStats `json:"data"`
	}
	status := getJSON(t, srv.URL+"/v1/queue/stats", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 9, body.Data.Total)
	assert.Equal(t, 2, body.Data.ByStatus[types.StatusPending])
}

func TestHandleFailedPassesPagination(t *testing.T) {
	q := &fakeQueueService{failed: queue.FailedPage{Page: 2, Pages: 3, Total: 41}}
	srv := newTestServer(q)
	defer srv.Close()

	var body struct {
		Data queue.FailedPage `json:"data"`
	}
	status := getJSON(t, srv.URL+"/v1/queue/failed?page=2&limit=20", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, q.lastPage)
	assert.Equal(t, 20, q.lastLim)
	assert.Equal(t, 41, body.Data.Total)
}

func TestHandleFailedRejectsBadPage(t *testing.T) {
	srv := newTestServer(&fakeQueueService{})
	defer srv.Close()

	var body APIErrorResponse
	status := getJSON(t, srv.URL+"/v1/queue/failed?page=two", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(types.ErrCodeValidationInvalidParam), body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestHandleRetry(t *testing.T) {
	q := &fakeQueueService{}
	srv := newTestServer(q)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/queue/failed/msg-42/retry", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"msg-42"}, q.retried)
}

func TestHandleRetryNotFound(t *testing.T) {
	q := &fakeQueueService{
		err: types.NewAppError(types.ErrCodeNotFoundMessage, "queued message not found", nil),
	}
	srv := newTestServer(q)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/queue/failed/nope/retry", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body APIErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(types.ErrCodeNotFoundMessage), body.Error.Code)
}

func TestGenericErrorIsOpaque(t *testing.T) {
	q := &fakeQueueService{err: assert.AnError}
	srv := newTestServer(q)
	defer srv.Close()

	var body APIErrorResponse
	status := getJSON(t, srv.URL+"/v1/queue/stats", &body)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), body.Error.Code)
	assert.NotContains(t, body.Error.Message, assert.AnError.Error())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeQueueService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
