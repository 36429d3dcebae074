package httputil

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func echoHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		if err := DecodeJSON(w, r, &in); err != nil {
			BadRequest(w, err.Error())
			return
		}
		in["method"] = r.Method
		WriteJSONOK(w, in)
	})
	mux.HandleFunc("/api/busy", func(w http.ResponseWriter, r *http.Request) {
		Conflict(w, "run in progress")
	})
	mux.HandleFunc("/api/plain", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	})
	return mux
}

func TestDoJSON_RoundTrip(t *testing.T) {
	t.Parallel()

	c := HandlerClient{Handler: echoHandler()}
	var out map[string]string
	err := DoJSON(context.Background(), c, http.MethodPost, "http://sweep/api/echo", map[string]string{"root": "/data"}, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out["root"] != "/data" || out["method"] != http.MethodPost {
		t.Errorf("out = %v", out)
	}
}

func TestDoJSON_StatusErrors(t *testing.T) {
	t.Parallel()

	c := HandlerClient{Handler: echoHandler()}
	tests := []struct {
		path   string
		status int
		msg    string
	}{
		{"/api/busy", http.StatusConflict, "run in progress"},
		{"/api/plain", http.StatusBadGateway, "gateway down"},
		{"/api/missing", http.StatusNotFound, "404 page not found"},
	}
	for _, tt := range tests {
		err := DoJSON(context.Background(), c, http.MethodGet, "http://sweep"+tt.path, nil, nil)
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("%s: error = %v, want *StatusError", tt.path, err)
		}
		if se.StatusCode != tt.status || se.Message != tt.msg {
			t.Errorf("%s: got %d %q, want %d %q", tt.path, se.StatusCode, se.Message, tt.status, tt.msg)
		}
	}
}

func TestDoJSON_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := DoJSON(ctx, &http.Client{}, http.MethodGet, "http://127.0.0.1:1/api/state", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
