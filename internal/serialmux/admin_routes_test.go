package serialmux

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	mux, port := startMux(t, nil)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name           string
		method         string
		command        string
		expectedStatus int
	}{
		{"valid", http.MethodPost, "M119", http.StatusOK},
		{"empty", http.MethodPost, "  ", http.StatusBadRequest},
		{"wrong method", http.MethodGet, "M119", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := strings.NewReader(url.Values{"command": {tt.command}}.Encode())
			req := localHostRequest(tt.method, "/debug/send-command-api", body)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, req)
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, []string{"M119"}, port.WrittenLines())
}

func TestAttachAdminRoutes_SendCommandPage(t *testing.T) {
	mux, _ := startMux(t, nil)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/send-command", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tail.js")

	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/tail.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EventSource")
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	mux, port := startMux(t, nil)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	server := httptest.NewServer(httpMux)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/debug/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 64)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), ": ping")

	port.AddReadData([]byte("ok\r\n"))
	var got strings.Builder
	for !strings.Contains(got.String(), "data: ok") {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
}
