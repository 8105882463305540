package transports

import (
	"io"
	"sync"
	"time"
)

// MockTransport implements Transport for testing.
//
// Replies are scripted per request: each Write pops the next entry of
// Replies and makes it readable. A nil entry scripts silence.
type MockTransport struct {
	ReadData    []byte
	ReadErr     error
	WriteData   []byte
	WriteErr    error
	Closed      bool
	ReadTimeout time.Duration
	Flushed     bool

	// Replies queued per Write call.
	Replies [][]byte

	// ReadFunc allows custom read behavior for complex tests
	ReadFunc func(p []byte) (int, error)

	// Writes, Reads and Flushes count calls that reached the transport.
	Writes  int
	Reads   int
	Flushes int

	mu sync.Mutex
}

func (m *MockTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Reads++
	if m.ReadFunc != nil {
		return m.ReadFunc(p)
	}
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	n := copy(p, m.ReadData)
	m.ReadData = m.ReadData[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (m *MockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Writes++
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	m.WriteData = append(m.WriteData, p...)

	if len(m.Replies) > 0 {
		m.ReadData = append(m.ReadData, m.Replies[0]...)
		m.Replies = m.Replies[1:]
	}
	return len(p), nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
	return nil
}

func (m *MockTransport) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadTimeout = timeout
	return nil
}

func (m *MockTransport) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Flushes++
	m.Flushed = true
	// Don't clear ReadData - tests need to preserve mock response data
	return nil
}

// IOCount returns the number of reads, writes and flushes performed.
func (m *MockTransport) IOCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Reads + m.Writes + m.Flushes
}
