package chat

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fleetwire/fleetchat/internal/wire"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// clientWriter serializes all writes to one connection on a dedicated
// goroutine. Payloads queued on sendChannel are framed with the wire
// codec before hitting the socket. A write failure closes the connection,
// which unblocks the session's read loop and triggers cleanup; queued
// payloads for a dying connection are simply dropped.
type outbound struct {
	data []byte
	// raw marks data as already framed (control frames).
	raw bool
}

type clientWriter struct {
	conn        net.Conn
	clock       clockwork.Clock
	sendChannel chan outbound
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientWriter(conn net.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		conn:        conn,
		clock:       clock,
		sendChannel: make(chan outbound, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			frame := msg.data
			if !msg.raw {
				frame = wire.Encode(msg.data)
			}
			_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
			if _, err := cw.conn.Write(frame); err != nil {
				// Socket is gone; closing it makes the read loop fail too.
				_ = cw.conn.Close()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// send queues a payload without blocking. The return is false when the
// client's buffer is full, which callers treat as a slow client.
func (cw *clientWriter) send(payload []byte) bool {
	select {
	case cw.sendChannel <- outbound{data: payload}:
		return true
	default:
		return false
	}
}

// sendRaw queues an already-framed message (pong and close frames).
func (cw *clientWriter) sendRaw(frame []byte) bool {
	select {
	case cw.sendChannel <- outbound{data: frame, raw: true}:
		return true
	default:
		return false
	}
}

// stop closes the connection and waits for the write goroutine to exit.
func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}

// stopGraceful writes a close frame before closing the socket.
func (cw *clientWriter) stopGraceful() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		cw.wg.Wait()

		_ = cw.conn.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
		_, _ = cw.conn.Write(wire.EncodeClose())
		_ = cw.conn.Close()
	})
	cw.wg.Wait()
}
