// Package serialmux provides a line-oriented request/response link over a
// serial port, shared by every client that talks to one instrument. Commands
// are serialized, replies are matched to the query that asked for them, and
// the full transcript can be tailed by subscribers for debugging.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrTimeout     = errors.New("serial query timed out")
	ErrClosed      = errors.New("serial port closed")
)

// DefaultQueryTimeout bounds how long Query waits for a reply line.
const DefaultQueryTimeout = 3 * time.Second

// MaxLineBytes is the longest reply line the link accepts. A full
// analyzer trace of 100001 complex points in ASCII is about 4.8 MB.
const MaxLineBytes = 8 << 20

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Link is the request/response surface used by device adapters.
type Link interface {
	// SendCommand writes a command line that produces no reply.
	SendCommand(ctx context.Context, command string) error
	// Query writes a command line and returns the next reply line.
	Query(ctx context.Context, command string) (string, error)
	Close() error
}

// SlowQuerier is implemented by links that accept a per-query timeout, for
// replies such as full traces that take longer than a status line.
type SlowQuerier interface {
	QueryWithin(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// SerialMux is a serial link shared by several goroutines.
type SerialMux[T SerialPorter] struct {
	port  T
	lines chan string
	done  chan struct{}

	// QueryTimeout bounds each Query. Zero uses DefaultQueryTimeout.
	QueryTimeout time.Duration

	commandMu    sync.Mutex
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closeOnce    sync.Once
	readErr      error
}

// NewSerialMux wraps port and starts reading reply lines from it.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	s := &SerialMux[T]{
		port:        port,
		lines:       make(chan string, 16),
		done:        make(chan struct{}),
		subscribers: make(map[string]chan string),
	}
	go s.readLoop()
	return s
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving the link transcript: sent commands
// prefixed with "> " and received lines prefixed with "< ". Slow
// subscribers miss lines rather than stall the link.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 32)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) publish(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

func (s *SerialMux[T]) readLoop() {
	defer close(s.lines)
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for scan.Scan() {
		line := strings.TrimRight(scan.Text(), "\r")
		s.publish("< " + line)
		select {
		case s.lines <- line:
		case <-s.done:
			return
		}
	}
	s.readErr = scan.Err()
}

func (s *SerialMux[T]) write(command string) error {
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n"
	}
	// Published before writing so the reply never precedes it in the transcript.
	s.publish("> " + strings.TrimSuffix(command, "\n"))
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(ctx context.Context, command string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return s.write(command)
}

// Query sends command and waits for one reply line. Lines that arrived
// before the command was written are discarded as stale.
func (s *SerialMux[T]) Query(ctx context.Context, command string) (string, error) {
	return s.QueryWithin(ctx, command, s.QueryTimeout)
}

// QueryWithin is Query with its own timeout. A non-positive timeout uses
// DefaultQueryTimeout.
func (s *SerialMux[T]) QueryWithin(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	s.drain()
	if err := s.write(command); err != nil {
		return "", err
	}

	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-s.lines:
		if !ok {
			if s.readErr != nil {
				return "", fmt.Errorf("%w: %v", ErrClosed, s.readErr)
			}
			return "", ErrClosed
		}
		return line, nil
	case <-timer.C:
		return "", fmt.Errorf("%w: %q after %s", ErrTimeout, command, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *SerialMux[T]) drain() {
	for {
		select {
		case _, ok := <-s.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close closes all subscribed channels and closes the serial port.
func (s *SerialMux[T]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.subscriberMu.Lock()
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subscriberMu.Unlock()
		err = s.port.Close()
	})
	return err
}

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html><head><title>{{.Name}} serial console</title></head>
<body>
<h1>{{.Name}}</h1>
<form method="post" action="send-command-api">
<input name="command" size="60" autofocus>
<label><input type="checkbox" name="query" value="1"> expect reply</label>
<button type="submit">Send</button>
</form>
</body></html>
`))

// AttachAdminRoutes registers a console for this link on the debug handler.
// name distinguishes several links on one handler ("actuator", "vna").
func (s *SerialMux[T]) AttachAdminRoutes(debug *tsweb.DebugHandler, name string) {
	prefix := name + "-"

	debug.HandleFunc(prefix+"send-command", "send a command to the "+name+" serial port", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, struct{ Name string }{name}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc(prefix+"send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if r.FormValue("query") != "" {
			reply, err := s.Query(r.Context(), command)
			if err != nil {
				http.Error(w, "Query failed: "+err.Error(), http.StatusBadGateway)
				return
			}
			io.WriteString(w, reply)
			return
		}
		if err := s.SendCommand(r.Context(), command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// Server-sent events of the link transcript.
	debug.HandleSilentFunc(prefix+"tail", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
