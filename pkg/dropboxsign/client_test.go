package dropboxsign

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "key", BaseURL: srv.URL, TestMode: true})
}

func TestSendBuildsMultipartRequest(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/signature_request/send", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Empty(t, pass)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "jane@example.org", r.FormValue("signers[0][email_address]"))
		assert.Equal(t, "Jane Doe", r.FormValue("signers[0][name]"))
		assert.Equal(t, "1", r.FormValue("test_mode"))
		file, header, err := r.FormFile("file[0]")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "sor.pdf", header.Filename)
		assert.Equal(t, "application/pdf", header.Header.Get("Content-Type"))

		_, _ = io.WriteString(w, `{"signature_request":{"signature_request_id":"sig-123","is_complete":false}}`)
	})

	id, err := client.Send(context.Background(), SendRequest{
		Title: "SOR", SignerEmail: "jane@example.org", SignerName: "Jane Doe", FileName: "sor.pdf", File: []byte("%PDF"),
	})
	require.NoError(t, err)
	assert.Equal(t, "sig-123", id)
}

func TestStatus(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		complete bool
		declined bool
	}{
		{"pending", `{"signature_request":{"is_complete":false,"signatures":[{"status_code":"awaiting_signature"}]}}`, false, false},
		{"signed", `{"signature_request":{"is_complete":false,"signatures":[{"status_code":"signed"}]}}`, true, false},
		{"complete", `{"signature_request":{"is_complete":true,"signatures":[]}}`, true, false},
		{"declined", `{"signature_request":{"is_complete":false,"is_declined":true,"signatures":[{"status_code":"declined"}]}}`, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/signature_request/sig-1", r.URL.Path)
				_, _ = io.WriteString(w, tc.body)
			})
			status, err := client.Status(context.Background(), "sig-1")
			require.NoError(t, err)
			assert.Equal(t, tc.complete, status.Complete)
			assert.Equal(t, tc.declined, status.Declined)
		})
	}
}

func TestDownloadSigned(t *testing.T) {
	ready := false
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/signature_request/files/sig-1", r.URL.Path)
		assert.Equal(t, "pdf", r.URL.Query().Get("file_type"))
		if !ready {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":{"error_msg":"Files are still being processed","error_name":"conflict"}}`)
			return
		}
		_, _ = io.WriteString(w, "%PDF-signed")
	})

	_, err := client.DownloadSigned(context.Background(), "sig-1")
	require.ErrorIs(t, err, ErrNotReady)

	ready = true
	data, err := client.DownloadSigned(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-signed", string(data))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status   int
		sentinel *appErrors.Error
	}{
		{http.StatusUnauthorized, appErrors.ErrPermissionDenied},
		{http.StatusNotFound, appErrors.ErrNotFound},
		{http.StatusBadRequest, appErrors.ErrUpstreamRejected},
		{http.StatusServiceUnavailable, appErrors.ErrConnectorUnavailable},
		{http.StatusTooManyRequests, appErrors.ErrConnectorUnavailable},
	}
	for _, tc := range cases {
		client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"error":{"error_msg":"nope","error_name":"bad"}}`)
		})
		_, err := client.Status(context.Background(), "sig-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, tc.sentinel), "status %d", tc.status)
		assert.Contains(t, err.Error(), "nope")
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := NewClient(Config{BaseURL: srv.URL})

	_, err := client.Status(context.Background(), "sig-1")
	require.Error(t, err)
	assert.True(t, appErrors.Retryable(err))
}
