package obj

import (
	"sync"

	"github.com/piwi3910/nixl/internal/executor"
)

// MockOp records one dispatched operation on the mock client.
type MockOp struct {
	Kind   string // "put" or "get"
	Key    string
	Buf    []byte
	Offset uint64
	cb     Callback
}

// MockClient is an ObjectClient whose callbacks fire only when the test
// asks, so pending and settled states can be asserted deterministically.
// Objects live in an in-memory map.
type MockClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	pending []MockOp
	failAll bool
}

// NewMockClient creates an empty mock store.
func NewMockClient() *MockClient {
	return &MockClient{objects: make(map[string][]byte)}
}

// SetExecutor is a no-op: the mock runs callbacks on the test goroutine.
func (m *MockClient) SetExecutor(exec *executor.Executor) {}

// FailAll makes every subsequent executed operation report failure.
func (m *MockClient) FailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failAll = fail
}

// Pending returns the number of operations awaiting execution.
func (m *MockClient) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

// Seed stores object data directly.
func (m *MockClient) Seed(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = append([]byte(nil), data...)
}

// Object returns the stored bytes for key.
func (m *MockClient) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[key]

	return data, ok
}

// PutAsync queues a put. A nonzero offset fails immediately, like the real
// clients.
func (m *MockClient) PutAsync(key string, buf []byte, offset uint64, cb Callback) {
	if offset != 0 {
		cb(false)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, MockOp{Kind: "put", Key: key, Buf: buf, Offset: offset, cb: cb})
}

// GetAsync queues a get.
func (m *MockClient) GetAsync(key string, buf []byte, offset uint64, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(m.pending, MockOp{Kind: "get", Key: key, Buf: buf, Offset: offset, cb: cb})
}

// ExecOne executes the oldest pending operation and fires its callback.
// Returns false when nothing is pending.
func (m *MockClient) ExecOne() bool {
	m.mu.Lock()

	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}

	op := m.pending[0]
	m.pending = m.pending[1:]
	fail := m.failAll

	var ok bool

	switch op.Kind {
	case "put":
		if !fail {
			m.objects[op.Key] = append([]byte(nil), op.Buf...)
			ok = true
		}
	case "get":
		data, found := m.objects[op.Key]
		if !fail && found && op.Offset+uint64(len(op.Buf)) <= uint64(len(data)) {
			copy(op.Buf, data[op.Offset:op.Offset+uint64(len(op.Buf))])
			ok = true
		}
	}

	m.mu.Unlock()

	op.cb(ok)

	return true
}

// ExecAll executes every pending operation.
func (m *MockClient) ExecAll() {
	for m.ExecOne() {
	}
}
