package gcode

import (
	"io"
	"strings"
	"sync"
)

// MockPort implements Porter for tests and -dev mode. Each command line
// written to the port is answered by the Respond hook; the default hook
// acknowledges everything with "ok", which is enough to exercise the full
// send/ack cycle without hardware.
type MockPort struct {
	// Respond maps a written command line to the board's reply. Returning
	// an empty string suppresses the reply (simulates a dead board).
	Respond func(command string) string

	feed   chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	partial  string
	commands []string

	buf []byte // read leftover, only touched by the single reader
}

// NewMockPort returns a mock port that acknowledges every command.
func NewMockPort() *MockPort {
	return &MockPort{
		feed:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (m *MockPort) Read(p []byte) (int, error) {
	if len(m.buf) == 0 {
		select {
		case data := <-m.feed:
			m.buf = data
		case <-m.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

func (m *MockPort) Write(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	m.mu.Lock()
	m.partial += string(p)
	var lines []string
	for {
		idx := strings.IndexByte(m.partial, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(m.partial[:idx], "\r")
		m.partial = m.partial[idx+1:]
		m.commands = append(m.commands, line)
		lines = append(lines, line)
	}
	respond := m.Respond
	m.mu.Unlock()

	for _, line := range lines {
		reply := "ok"
		if respond != nil {
			reply = respond(line)
		}
		if reply == "" {
			continue
		}
		select {
		case m.feed <- []byte(reply + "\n"):
		case <-m.closed:
		}
	}
	return len(p), nil
}

func (m *MockPort) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// Commands returns every complete command line written so far.
func (m *MockPort) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}
