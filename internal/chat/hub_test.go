package chat

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/fleetchat/internal/wire"
)

// fakeConn is an in-memory net.Conn sink that records framed writes.
type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, errors.New("not readable") }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.buf.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// payloads decodes every complete frame written so far.
func (c *fakeConn) payloads(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	buf := c.buf.Bytes()
	for len(buf) > 0 {
		frame, consumed, err := wire.Decode(buf)
		if errors.Is(err, wire.ErrIncomplete) {
			break
		}
		require.NoError(t, err)
		out = append(out, string(frame.Payload))
		buf = buf[consumed:]
	}
	return out
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(100, clockwork.NewRealClock(), nil)
	t.Cleanup(h.Stop)
	return h
}

// attachClient attaches a fresh connection backed by a fakeConn.
func attachClient(t *testing.T, h *Hub) (*client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	c := &client{
		id:     uuid.New(),
		writer: newClientWriter(conn, clockwork.NewRealClock()),
	}
	require.NoError(t, h.Attach(c))
	return c, conn
}

func TestBroadcastReachesAllOtherMembers(t *testing.T) {
	h := newTestHub(t)

	sender, senderConn := attachClient(t, h)
	var memberConns []*fakeConn
	for i := 0; i < 3; i++ {
		member, conn := attachClient(t, h)
		require.True(t, h.JoinRoom(member.id, "general"))
		memberConns = append(memberConns, conn)
	}
	require.True(t, h.JoinRoom(sender.id, "general"))

	h.BroadcastToRoom("general", []byte(`{"type":"chat_message"}`), sender.id)

	for i, conn := range memberConns {
		conn := conn
		assert.Eventually(t, func() bool {
			return len(conn.payloads(t)) == 1
		}, time.Second, 5*time.Millisecond, "member %d", i)
	}

	// The sender never receives its own message.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, senderConn.payloads(t))
}

func TestBroadcastSkipsNonMembers(t *testing.T) {
	h := newTestHub(t)

	member, memberConn := attachClient(t, h)
	_, outsiderConn := attachClient(t, h)
	require.True(t, h.JoinRoom(member.id, "general"))

	h.BroadcastToRoom("general", []byte("payload"), uuid.Nil)

	assert.Eventually(t, func() bool {
		return len(memberConn.payloads(t)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, outsiderConn.payloads(t))
}

func TestBroadcastOrderPreserved(t *testing.T) {
	h := newTestHub(t)

	member, conn := attachClient(t, h)
	require.True(t, h.JoinRoom(member.id, "general"))

	const n = 10
	for i := 0; i < n; i++ {
		h.BroadcastToRoom("general", []byte(fmt.Sprintf("msg-%d", i)), uuid.Nil)
	}

	require.Eventually(t, func() bool {
		return len(conn.payloads(t)) == n
	}, time.Second, 5*time.Millisecond)

	got := conn.payloads(t)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), got[i])
	}
}

func TestBroadcastToEmptyRoom(t *testing.T) {
	h := newTestHub(t)
	// Must not panic or wedge the hub.
	h.BroadcastToRoom("nowhere", []byte("payload"), uuid.Nil)
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestSendToUserAllConnections(t *testing.T) {
	h := newTestHub(t)

	a, connA := attachClient(t, h)
	b, connB := attachClient(t, h)
	_, otherConn := attachClient(t, h)
	h.Authenticate(a.id, 7, "alice")
	h.Authenticate(b.id, 7, "alice")

	h.SendToUser(7, []byte("direct"))

	assert.Eventually(t, func() bool {
		return len(connA.payloads(t)) == 1 && len(connB.payloads(t)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, otherConn.payloads(t))
}

func TestAttachRejectsAtCapacity(t *testing.T) {
	h := NewHub(2, clockwork.NewRealClock(), nil)
	defer h.Stop()

	attachClient(t, h)
	attachClient(t, h)

	conn := &fakeConn{}
	c := &client{id: uuid.New(), writer: newClientWriter(conn, clockwork.NewRealClock())}
	err := h.Attach(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max connections")
	assert.Equal(t, 2, h.ConnectionCount())
}

func TestDetachFreesCapacity(t *testing.T) {
	h := NewHub(1, clockwork.NewRealClock(), nil)
	defer h.Stop()

	c, _ := attachClient(t, h)
	h.Detach(c.id, "test")

	require.Eventually(t, func() bool {
		return h.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)

	_, _ = attachClient(t, h)
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestDetachIsIdempotent(t *testing.T) {
	h := newTestHub(t)

	c, _ := attachClient(t, h)
	h.Detach(c.id, "first")
	h.Detach(c.id, "second")
	h.Detach(uuid.New(), "unknown")

	assert.Eventually(t, func() bool {
		return h.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestUserOfflineFiresOnLastConnection(t *testing.T) {
	offline := make(chan int64, 2)
	h := NewHub(100, clockwork.NewRealClock(), func(userID int64, _ string) {
		offline <- userID
	})
	defer h.Stop()

	a, _ := attachClient(t, h)
	b, _ := attachClient(t, h)
	h.Authenticate(a.id, 7, "alice")
	h.Authenticate(b.id, 7, "alice")

	h.Detach(a.id, "test")
	select {
	case <-offline:
		t.Fatal("offline fired while a connection remained")
	case <-time.After(50 * time.Millisecond):
	}

	h.Detach(b.id, "test")
	select {
	case userID := <-offline:
		assert.Equal(t, int64(7), userID)
	case <-time.After(time.Second):
		t.Fatal("offline never fired")
	}
}

func TestSlowClientEvicted(t *testing.T) {
	h := newTestHub(t)

	member, conn := attachClient(t, h)
	require.True(t, h.JoinRoom(member.id, "general"))

	// Close the conn so the writer goroutine exits, then overflow the
	// send buffer.
	member.writer.stop()
	_ = conn.Close()
	for i := 0; i <= messageBufferSize; i++ {
		h.BroadcastToRoom("general", []byte("flood"), uuid.Nil)
	}

	assert.Eventually(t, func() bool {
		return h.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHubCallsReturnAfterStop(t *testing.T) {
	h := NewHub(100, clockwork.NewRealClock(), nil)
	h.Stop()

	// Every public entry point must stay non-blocking once the hub
	// goroutine has exited, including floods past the command buffer.
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		assert.Equal(t, 0, h.ConnectionCount())
		_, known := h.Authenticate(uuid.New(), 1, "alice")
		assert.False(t, known)
		assert.False(t, h.JoinRoom(uuid.New(), "general"))
		assert.False(t, h.LeaveRoom(uuid.New(), "general"))
		h.BroadcastToRoom("general", []byte("payload"), uuid.Nil)
		h.SendToUser(1, []byte("payload"))
		for i := 0; i < cmdBufferSize+50; i++ {
			h.Detach(uuid.New(), "test")
		}
		h.Stop()
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("hub call blocked after stop")
	}
}

func TestAttachFailsAfterStop(t *testing.T) {
	h := NewHub(100, clockwork.NewRealClock(), nil)
	h.Stop()

	conn := &fakeConn{}
	c := &client{id: uuid.New(), writer: newClientWriter(conn, clockwork.NewRealClock())}
	assert.Error(t, h.Attach(c))
	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, time.Second, 5*time.Millisecond)
}
