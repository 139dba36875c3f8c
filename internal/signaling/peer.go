package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// peer is the Connection Handle for one WebSocket: the relay-assigned
// ConnectionID plus a bounded outbound queue drained by a single writer
// goroutine. The server owns peers exclusively; the router never sees one.
type peer struct {
	id   string
	conn *websocket.Conn

	send chan ServerMessage
	done chan struct{}

	closeOnce sync.Once
}

func newPeer(id string, conn *websocket.Conn, queueSize int) *peer {
	return &peer{
		id:   id,
		conn: conn,
		send: make(chan ServerMessage, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues msg for delivery and never blocks the caller: when the
// queue is full the oldest queued envelope is evicted to make room. Signaling
// traffic is ephemeral and newer candidates supersede older ones, so a slow
// reader loses stale messages instead of stalling broadcasts to its peers.
// Returns how many envelopes were evicted.
func (p *peer) enqueue(msg ServerMessage) (dropped int) {
	for {
		select {
		case <-p.done:
			return dropped
		default:
		}

		select {
		case p.send <- msg:
			return dropped
		default:
		}

		select {
		case <-p.send:
			dropped++
		default:
		}
	}
}

// close shuts the transport down. Idempotent; every failure path funnels
// here, and the read loop observing the closed connection triggers the
// server's disconnect handling exactly once.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// writePump is the single writer for the connection: it drains the send
// queue and keeps the connection alive with pings. A failed write means the
// transport is gone; closing it here makes the read loop exit promptly.
func (p *peer) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}
