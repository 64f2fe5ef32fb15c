package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStructuredLogger(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		handler    http.HandlerFunc
		wantStatus float64
		wantBytes  float64
	}{
		{
			name:   "implicit 200 with body",
			method: http.MethodGet, path: "/health",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("ok"))
			},
			wantStatus: 200, wantBytes: 2,
		},
		{
			name:   "explicit status",
			method: http.MethodPost, path: "/telephony/status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			},
			wantStatus: 204, wantBytes: 0,
		},
		{
			name:   "first WriteHeader wins",
			method: http.MethodPost, path: "/telephony/answer",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantStatus: 200, wantBytes: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			StructuredLogger(tt.handler).ServeHTTP(rec, req)

			var line map[string]any
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("parsing log line: %v", err)
			}
			if line["method"] != tt.method {
				t.Errorf("method = %v, want %s", line["method"], tt.method)
			}
			if line["path"] != tt.path {
				t.Errorf("path = %v, want %s", line["path"], tt.path)
			}
			// JSON numbers decode as float64.
			if line["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %v", line["status"], tt.wantStatus)
			}
			if line["bytes"] != tt.wantBytes {
				t.Errorf("bytes = %v, want %v", line["bytes"], tt.wantBytes)
			}
			if _, ok := line["duration_ms"]; !ok {
				t.Error("log line missing duration_ms")
			}
		})
	}
}
