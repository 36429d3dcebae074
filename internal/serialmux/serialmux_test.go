package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"tailscale.com/tsweb"
)

func echoResponder(command string) (string, bool) {
	if strings.HasSuffix(command, "?") {
		return "reply:" + command, true
	}
	return "", false
}

func TestSerialMux_QueryMatchesReply(t *testing.T) {
	port := NewScriptedPort(echoResponder)
	mux := NewSerialMux(port)
	defer mux.Close()

	ctx := context.Background()
	require.NoError(t, mux.SendCommand(ctx, "FIELD 100,200,0"))
	reply, err := mux.Query(ctx, "FIELD?")
	require.NoError(t, err)
	assert.Equal(t, "reply:FIELD?", reply)

	assert.Equal(t, []string{"FIELD 100,200,0", "FIELD?"}, port.Written())
}

func TestSerialMux_QueryDropsStaleLines(t *testing.T) {
	port := NewScriptedPort(echoResponder)
	mux := NewSerialMux(port)
	defer mux.Close()

	port.Inject("stale")
	// Give the reader a moment to deliver the stale line into the buffer.
	time.Sleep(10 * time.Millisecond)

	reply, err := mux.Query(context.Background(), "TEMP?")
	require.NoError(t, err)
	assert.Equal(t, "reply:TEMP?", reply)
}

func TestSerialMux_QueryTimeout(t *testing.T) {
	port := NewScriptedPort(func(string) (string, bool) { return "", false })
	mux := NewSerialMux(port)
	mux.QueryTimeout = 20 * time.Millisecond
	defer mux.Close()

	_, err := mux.Query(context.Background(), "SILENT?")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSerialMux_QueryWithinOverridesTimeout(t *testing.T) {
	port := NewScriptedPort(func(string) (string, bool) { return "", false })
	mux := NewSerialMux(port)
	mux.QueryTimeout = time.Hour
	defer mux.Close()

	start := time.Now()
	_, err := mux.QueryWithin(context.Background(), "SILENT?", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestSerialMux_LongReplyLine(t *testing.T) {
	// 100 KB is past bufio.Scanner's default 64 KiB token limit.
	long := strings.Repeat("1.234567890123456E-01,", 100*1024/22)
	port := NewScriptedPort(func(cmd string) (string, bool) {
		switch cmd {
		case "TRACE?":
			return long, true
		case "TEMP?":
			return "300", true
		}
		return "", false
	})
	mux := NewSerialMux(port)
	defer mux.Close()

	ctx := context.Background()
	reply, err := mux.Query(ctx, "TRACE?")
	require.NoError(t, err)
	assert.Greater(t, len(reply), 64*1024)
	assert.Equal(t, long, reply)

	reply, err = mux.Query(ctx, "TEMP?")
	require.NoError(t, err, "link survives a long line")
	assert.Equal(t, "300", reply)
}

func TestSerialMux_QueryContextCancelled(t *testing.T) {
	mux := NewSerialMux(NewScriptedPort(nil))
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := mux.Query(ctx, "X?")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSerialMux_WriteFailure(t *testing.T) {
	port := NewScriptedPort(echoResponder)
	mux := NewSerialMux(port)
	defer mux.Close()

	port.FailWrites(errors.New("unplugged"))
	err := mux.SendCommand(context.Background(), "X")
	assert.ErrorIs(t, err, ErrWriteFailed)
}

func TestSerialMux_QueryAfterClose(t *testing.T) {
	port := NewScriptedPort(echoResponder)
	mux := NewSerialMux(port)
	require.NoError(t, mux.Close())
	require.NoError(t, mux.Close(), "Close is idempotent")

	_, err := mux.Query(context.Background(), "X?")
	assert.Error(t, err)
}

func TestSerialMux_TranscriptSubscribers(t *testing.T) {
	mux := NewSerialMux(NewScriptedPort(echoResponder))
	defer mux.Close()

	id, ch := mux.Subscribe()
	_, err := mux.Query(context.Background(), "A?")
	require.NoError(t, err)

	got := []string{<-ch, <-ch}
	assert.Equal(t, []string{"> A?", "< reply:A?"}, got)

	mux.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
}

func TestSerialMux_AdminRoutes(t *testing.T) {
	port := NewScriptedPort(echoResponder)
	mux := NewSerialMux(port)
	defer mux.Close()

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(tsweb.Debugger(httpMux), "vna")

	form := url.Values{"command": {"*IDN?"}, "query": {"1"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/vna-send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reply:*IDN?", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/debug/vna-send-command-api", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPortOptions_NormalizeDefaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, got)
}

func TestPortOptions_NormalizeErrors(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "M"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.opts.Normalize()
			assert.Error(t, err)
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 115200, Parity: "even", StopBits: 2}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, serial.EvenParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
}

func TestParsePortOptions(t *testing.T) {
	tests := []struct {
		spec string
		want string
	}{
		{"", "9600,8N1"},
		{"115200", "115200,8N1"},
		{"19200,7E2", "19200,7E2"},
		{" 9600,8o1 ", "9600,8O1"},
	}
	for _, tt := range tests {
		got, err := ParsePortOptions(tt.spec)
		require.NoError(t, err, tt.spec)
		assert.Equal(t, tt.want, got.String())
	}

	for _, bad := range []string{"fast", "9600,8N", "9600,9N1", "9600,8X1", "9600,8N3"} {
		_, err := ParsePortOptions(bad)
		assert.Error(t, err, bad)
	}
}
