package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/services/auth"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

// decodeBody unmarshals a recorded JSON response into a generic map.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

// errorEnvelope pulls code and message out of the JSON error envelope.
func errorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	body := decodeBody(t, rec)
	envelope, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "missing error envelope: %s", rec.Body.String())
	code, _ := envelope["code"].(string)
	message, _ := envelope["message"].(string)
	return code, message
}

func TestPathParam(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   string
	}{
		{"/jobs/abc", "/jobs/", "abc"},
		{"/jobs/abc/", "/jobs/", "abc"},
		{"/jobs/", "/jobs/", ""},
		{"/toolkits/demo-kit/jobs", "/toolkits/", "demo-kit/jobs"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PathParam(tt.path, tt.prefix), tt.path)
	}
}

func TestPageParams(t *testing.T) {
	tests := []struct {
		query    string
		wantPage int
		wantSize int
	}{
		{"", 1, 20},
		{"page=3&page_size=50", 3, 50},
		{"page=0&page_size=0", 1, 20},
		{"page=-1", 1, 20},
		{"page_size=500", 1, 100},
		{"page=abc&page_size=abc", 1, 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/jobs/?"+tt.query, nil)
		page, size := pageParams(r, 20, 100)
		assert.Equal(t, tt.wantPage, page, tt.query)
		assert.Equal(t, tt.wantSize, size, tt.query)
	}
}

func TestQueryValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/jobs/?status=queued,running&status=failed&status=++&toolkit=", nil)
	assert.Equal(t, []string{"queued", "running", "failed"}, queryValues(r, "status"))
	assert.Nil(t, queryValues(r, "toolkit"))
	assert.Nil(t, queryValues(r, "missing"))
}

func TestDecodeJSONInvalidBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/jobs/", strings.NewReader("{not json"))
	var dst map[string]interface{}
	err := DecodeJSON(r, &dst)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalid, apperrors.KindOf(err))
	assert.Equal(t, "Request body is not valid JSON", apperrors.MessageOf(err))
}

func TestRespondErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, apperrors.New(apperrors.KindNotFound, "Job not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	code, message := errorEnvelope(t, rec)
	assert.Equal(t, "not_found", code)
	assert.Equal(t, "Job not found", message)
}

func TestRespondErrorLockoutSetsRetryAfter(t *testing.T) {
	lockout := &auth.LockoutError{RetryAfter: 90*time.Second + 300*time.Millisecond}
	err := apperrors.Wrap(apperrors.KindThrottled, lockout, "Too many failed attempts. Try again later.")

	rec := httptest.NewRecorder()
	RespondError(rec, err)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "91", rec.Header().Get("Retry-After"))
	code, message := errorEnvelope(t, rec)
	assert.Equal(t, "throttled", code)
	assert.Equal(t, "Too many failed attempts. Try again later.", message)
}

func TestRespondErrorPlainErrorIsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
