package main

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coupling.report/internal/httputil"
	"github.com/banshee-data/coupling.report/internal/sweep"
)

func withHandler(t *testing.T, h http.Handler) {
	t.Helper()
	orig := httpClient
	httpClient = httputil.HandlerClient{Handler: h}
	t.Cleanup(func() { httpClient = orig })
}

func TestRunClient_Status(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, map[string]interface{}{
			"running": true,
			"state":   sweep.State{Status: sweep.StatusRunningFieldSweep, PointsPersisted: 4, TotalPoints: 9},
		})
	})
	withHandler(t, mux)

	var out bytes.Buffer
	require.NoError(t, runClient("status", []string{"-server", "http://lab:8080/"}, &out))
	assert.Contains(t, out.String(), `"status": "running_field_sweep"`)
	assert.Contains(t, out.String(), `"points_persisted": 4`)
}

func TestRunClient_Stop(t *testing.T) {
	var stopped bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, r *http.Request) {
		stopped = true
		httputil.WriteJSONOK(w, sweep.State{Status: sweep.StatusCancelled})
	})
	withHandler(t, mux)

	var out bytes.Buffer
	require.NoError(t, runClient("stop", nil, &out))
	assert.True(t, stopped)
	assert.Contains(t, out.String(), `"cancelled"`)
}

func TestRunClient_ServerError(t *testing.T) {
	withHandler(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.ServiceUnavailable(w, "poller offline")
	}))

	err := runClient("status", nil, &bytes.Buffer{})
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "poller offline", se.Message)
}

func TestRunClient_BadFlag(t *testing.T) {
	assert.Error(t, runClient("status", []string{"-nope"}, &bytes.Buffer{}))
}
