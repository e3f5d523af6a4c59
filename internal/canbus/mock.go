package canbus

import (
	"bytes"
	"errors"
	"sync"
)

// MockPort implements Porter with in-memory buffers for testing. Reads
// block until data arrives or the port closes.
type MockPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	closed   bool

	// WriteError, when set, is returned by the next Write call.
	WriteError error
}

// NewMockPort creates a MockPort ready for use.
func NewMockPort() *MockPort {
	p := &MockPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *MockPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed && p.readBuf.Len() == 0 {
		return 0, errors.New("mock port closed")
	}
	return p.readBuf.Read(b)
}

func (p *MockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("mock port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.writeBuf.Write(b)
}

// Close marks the port closed and wakes blocked readers.
func (p *MockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// Feed appends bytes for subsequent Read calls to return.
func (p *MockPort) Feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(b)
	p.readCond.Broadcast()
}

// Written returns a copy of everything written to the port so far.
func (p *MockPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, p.writeBuf.Len())
	copy(out, p.writeBuf.Bytes())
	return out
}
