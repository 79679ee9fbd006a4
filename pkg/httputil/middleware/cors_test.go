package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORSWithOptions(t *testing.T) {
	tests := []struct {
		options         *CORSOptions
		expectedHeaders map[string]string
		name            string
		method          string
		origin          string
		expectedStatus  int
	}{
		{
			name:    "default options",
			method:  http.MethodGet,
			origin:  "http://dashboard.local",
			options: defaultCORSOptions(),
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":      "*",
				"Access-Control-Allow-Methods":     "GET,OPTIONS",
				"Access-Control-Allow-Headers":     "Content-Type,Authorization,X-Request-Id,Cache-Control",
				"Access-Control-Allow-Credentials": "",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "allowed origin is echoed",
			method: http.MethodGet,
			origin: "http://example.com",
			options: &CORSOptions{
				AllowedOrigins: []string{"http://example.com"},
				AllowedMethods: []string{"GET"},
				AllowedHeaders: []string{"Content-Type"},
			},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":  "http://example.com",
				"Access-Control-Allow-Methods": "GET",
				"Access-Control-Allow-Headers": "Content-Type",
				"Vary":                         "Origin",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "unknown origin gets no allow-origin",
			method: http.MethodGet,
			origin: "http://evil.example",
			options: &CORSOptions{
				AllowedOrigins: []string{"http://example.com"},
			},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin": "",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "wildcard with credentials echoes origin",
			method: http.MethodGet,
			origin: "http://app.local",
			options: &CORSOptions{
				AllowedOrigins:   []string{"*"},
				AllowCredentials: true,
			},
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":      "http://app.local",
				"Access-Control-Allow-Credentials": "true",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:            "empty options",
			method:          http.MethodGet,
			origin:          "http://example.com",
			options:         &CORSOptions{},
			expectedHeaders: map[string]string{"Access-Control-Allow-Origin": ""},
			expectedStatus:  http.StatusOK,
		},
		{
			name:    "preflight request",
			method:  http.MethodOptions,
			origin:  "http://example.com",
			options: defaultCORSOptions(),
			expectedHeaders: map[string]string{
				"Access-Control-Allow-Origin":  "*",
				"Access-Control-Allow-Methods": "GET,OPTIONS",
			},
			expectedStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://relay.local/health", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()

			handler := CORSWithOptions(tt.options)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			handler.ServeHTTP(rr, req)

			for header, expected := range tt.expectedHeaders {
				assert.Equal(t, expected, rr.Header().Get(header), "header %s", header)
			}
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}
