package serialmux

import (
	"errors"
	"io"
	"strings"
	"sync"
)

// Responder maps a command line (without the trailing newline) to its reply.
// Returning ok=false sends no reply.
type Responder func(command string) (reply string, ok bool)

// ScriptedPort implements SerialPorter for tests and simulations. Every line
// written is passed to the responder, whose reply is queued for reading.
type ScriptedPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	respond  Responder
	pending  strings.Builder
	readBuf  []byte
	written  []string
	closed   bool
	writeErr error
}

// NewScriptedPort creates a ScriptedPort driven by respond.
func NewScriptedPort(respond Responder) *ScriptedPort {
	p := &ScriptedPort{respond: respond}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until a reply is queued or the port is closed.
func (p *ScriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.readBuf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.readBuf) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.readBuf)
	p.readBuf = p.readBuf[n:]
	return n, nil
}

// Write records complete lines and queues their replies.
func (p *ScriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.pending.Write(b)
	buf := p.pending.String()
	for {
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := buf[:i]
		buf = buf[i+1:]
		p.written = append(p.written, line)
		if p.respond == nil {
			continue
		}
		if reply, ok := p.respond(line); ok {
			p.readBuf = append(p.readBuf, reply+"\n"...)
		}
	}
	p.pending.Reset()
	p.pending.WriteString(buf)
	p.cond.Broadcast()
	return len(b), nil
}

// Close unblocks readers; subsequent writes fail.
func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// Inject queues an unsolicited line for reading.
func (p *ScriptedPort) Inject(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf = append(p.readBuf, line+"\n"...)
	p.cond.Broadcast()
}

// FailWrites makes every subsequent Write return err.
func (p *ScriptedPort) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Written returns every complete line written so far.
func (p *ScriptedPort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}
