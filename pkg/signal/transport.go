package signal

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by Send after the transport has been closed.
var ErrTransportClosed = errors.New("transport closed")

const defaultQueueSize = 64

// WSTransport wraps a gorilla websocket connection behind a bounded outbound
// queue so a slow consumer never blocks the hub. When the queue is full the
// oldest control message is dropped; offer/answer/candidate envelopes are
// never dropped.
type WSTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	queue  []Envelope
	notify chan struct{}
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSTransport wraps conn and starts its writer loop.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	t := &WSTransport{
		conn:   conn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Send enqueues an envelope for delivery.
func (t *WSTransport) Send(env Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if len(t.queue) >= defaultQueueSize {
		t.dropOldestControlLocked()
	}
	t.queue = append(t.queue, env)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

// dropOldestControlLocked removes the oldest non-negotiation envelope, if any.
// Negotiation messages stay queued even past the bound.
func (t *WSTransport) dropOldestControlLocked() {
	for i, env := range t.queue {
		if !isNegotiation(env.Type) {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}

func (t *WSTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case <-t.notify:
		}

		for {
			t.mu.Lock()
			if len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			env := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()

			if err := t.conn.WriteJSON(env); err != nil {
				t.Close()
				return
			}
		}
	}
}

// Close shuts the transport down. Idempotent; also unblocks any reader on the
// underlying connection.
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.queue = nil
		t.mu.Unlock()
		close(t.done)
		t.conn.Close()
	})
	return nil
}
