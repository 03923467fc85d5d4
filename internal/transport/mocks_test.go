package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// mockConn is a scripted wsConnection: tests feed inbound frames through a
// channel and inspect everything the server wrote.
type mockConn struct {
	inbound chan []byte

	mu           sync.Mutex
	written      [][]byte
	writtenTypes []int

	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *mockConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	c.writtenTypes = append(c.writtenTypes, messageType)
	return nil
}

func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) SetWriteDeadline(t time.Time) error        { return nil }
func (c *mockConn) SetReadDeadline(t time.Time) error         { return nil }
func (c *mockConn) SetPongHandler(h func(appData string) error) {}

func (c *mockConn) writtenFrames() ([][]byte, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...), append([]int(nil), c.writtenTypes...)
}
