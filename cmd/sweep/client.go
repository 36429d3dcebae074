package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/coupling.report/internal/httputil"
	"github.com/banshee-data/coupling.report/internal/liveview"
	"github.com/banshee-data/coupling.report/internal/sweep"
)

// httpClient is replaced in tests.
var httpClient httputil.HTTPClient = http.DefaultClient

// runClient implements the status and stop subcommands against a running
// server.
func runClient(name string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "Sweep server base URL")
	timeout := fs.Duration("timeout", 10*time.Minute, "How long to wait for the server")
	if err := fs.Parse(args); err != nil {
		return err
	}
	base := strings.TrimSuffix(*server, "/")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var result interface{}
	switch name {
	case "status":
		var st liveview.Status
		if err := httputil.DoJSON(ctx, httpClient, http.MethodGet, base+"/api/status", nil, &st); err != nil {
			return fmt.Errorf("status: %w", err)
		}
		result = st
	case "stop":
		// The server replies once the run has exited.
		var st sweep.State
		if err := httputil.DoJSON(ctx, httpClient, http.MethodPost, base+"/api/stop", nil, &st); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		result = st
	default:
		return fmt.Errorf("unknown command %q", name)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
