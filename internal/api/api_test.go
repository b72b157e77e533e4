package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/jobq/internal/api"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/storage"
	"github.com/SirClappington/jobq/internal/submit"
	"github.com/SirClappington/jobq/internal/testhelper"
)

var t0 = time.Date(2025, 6, 2, 8, 20, 0, 0, time.UTC)

const validBody = `{
	"job_type": "send_email",
	"priority": "high",
	"payload": {"to": "user@example.com", "subject": "Hello", "message": "Test email."}
}`

func newServer(t *testing.T) *httptest.Server {
	_, rdb := testhelper.Redis(t)
	svc := submit.NewService(storage.NewRedisStore(rdb), queue.New(rdb), clockwork.NewFakeClockAt(t0), zaptest.NewLogger(t))
	srv := httptest.NewServer(api.NewAPI(svc, zaptest.NewLogger(t)).Router())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestSubmitAndStatus(t *testing.T) {
	srv := newServer(t)

	resp, out := post(t, srv.URL+"/submit-job", validBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "enqueued", out["status"])
	id, _ := out["job_id"].(string)
	require.NotEmpty(t, id)

	for _, path := range []string{"/jobs/status/", "/v1/jobs/"} {
		resp, job := get(t, srv.URL+path+id)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, id, job["job_id"])
		assert.Equal(t, "send_email", job["job_type"])
		assert.Equal(t, "high", job["priority"])
		assert.Equal(t, "pending", job["status"])
		assert.EqualValues(t, 0, job["retry_count"])
		assert.Nil(t, job["picked_ts"])
		assert.Nil(t, job["completed_ts"])
		assert.Equal(t, "2025-06-02T08:20:00Z", job["created_ts"])
		assert.Equal(t, map[string]any{"to": "user@example.com", "subject": "Hello", "message": "Test email."}, job["payload"])
	}
}

func TestSubmitAlias(t *testing.T) {
	srv := newServer(t)
	resp, _ := post(t, srv.URL+"/v1/jobs", validBody)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestSubmitRejections(t *testing.T) {
	srv := newServer(t)
	tests := map[string]struct {
		body   string
		status int
		field  string
	}{
		"malformed":     {`{"job_type":`, http.StatusBadRequest, ""},
		"bad priority":  {strings.Replace(validBody, `"high"`, `"urgent"`, 1), http.StatusUnprocessableEntity, "priority"},
		"bad type":      {strings.Replace(validBody, `"send_email"`, `"send_sms"`, 1), http.StatusUnprocessableEntity, "job_type"},
		"bad recipient": {strings.Replace(validBody, `user@example.com`, `user`, 1), http.StatusUnprocessableEntity, "payload.to"},
		"numeric prio":  {strings.Replace(validBody, `"high"`, `1`, 1), http.StatusUnprocessableEntity, "priority"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			resp, out := post(t, srv.URL+"/submit-job", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			if tc.field != "" {
				assert.Equal(t, tc.field, out["field"])
			}
		})
	}
}

func TestStatusNotFound(t *testing.T) {
	srv := newServer(t)
	resp, out := get(t, srv.URL+"/jobs/status/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "job not found", out["error"])
}

type brokenJobs struct{}

func (brokenJobs) Submit(context.Context, submit.Request) (string, error) {
	return "", errors.New("connection refused")
}

func (brokenJobs) Status(context.Context, string) (domain.Job, error) {
	return domain.Job{}, errors.New("connection refused")
}

func (brokenJobs) Ping(context.Context) error { return errors.New("connection refused") }

func TestStoreFailures(t *testing.T) {
	srv := httptest.NewServer(api.NewAPI(brokenJobs{}, zaptest.NewLogger(t)).Router())
	defer srv.Close()

	resp, _ := post(t, srv.URL+"/submit-job", validBody)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/jobs/status/x")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t)

	resp, out := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	post(t, srv.URL+"/submit-job", validBody)
	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
