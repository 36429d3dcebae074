// Package testutil provides shared test helpers for HTTP handlers and
// component loggers.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/banshee-data/coupling.report/internal/monitoring"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LoopbackRequest builds a request that tsweb treats as local, so debug
// routes are reachable from tests.
func LoopbackRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// Serve runs one request through h and returns the recorded response.
func Serve(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, LoopbackRequest(method, target, body))
	return rec
}

// DecodeJSON decodes the recorded body into T, failing the test on error.
func DecodeJSON[T any](t testing.TB, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// LogBuffer collects monitoring log lines.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
}

// CaptureLogs redirects monitoring.Logf into a buffer until the test ends.
// Tests using it must not run in parallel with other loggers.
func CaptureLogs(t testing.TB) *LogBuffer {
	t.Helper()
	buf := &LogBuffer{}
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		buf.mu.Lock()
		defer buf.mu.Unlock()
		buf.lines = append(buf.lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = original })
	return buf
}

// Lines returns the captured lines.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// Contains reports whether any captured line contains substr.
func (b *LogBuffer) Contains(substr string) bool {
	for _, l := range b.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
