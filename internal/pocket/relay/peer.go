package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// outboundCeiling is the per-peer queued-frame limit. A peer that cannot
// drain its queue is closed; clients reconnect and replay from the event
// store.
const outboundCeiling = 256

// writeWait bounds a single WebSocket write.
const writeWait = 10 * time.Second

// peer wraps one WebSocket connection with a buffered single-writer pump,
// so concurrent broadcasts never interleave writes on the socket.
type peer struct {
	conn *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	// closeReason is delivered in the close frame when the relay side
	// initiates the close.
	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newPeer(conn *websocket.Conn) *peer {
	p := &peer{
		conn: conn,
		send: make(chan []byte, outboundCeiling),
		done: make(chan struct{}),
	}
	go p.writePump()
	return p
}

// enqueue queues a frame for delivery. A full queue closes the peer —
// buffering without bound would just defer the failure.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		slog.Warn("relay: peer outbound queue saturated, closing", "addr", p.conn.RemoteAddr())
		p.close(websocket.ClosePolicyViolation, "outbound queue overflow")
		return false
	}
}

// close shuts the peer down once, sending a close frame with the reason.
func (p *peer) close(code int, reason string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.closeCode = code
		p.closeReason = reason
		p.mu.Unlock()
		close(p.done)
	})
}

// writePump is the sole writer on the socket.
func (p *peer) writePump() {
	for {
		select {
		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.close(websocket.CloseAbnormalClosure, "write failed")
				p.conn.Close()
				return
			}
		case <-p.done:
			p.mu.Lock()
			code, reason := p.closeCode, p.closeReason
			p.mu.Unlock()
			if code == 0 {
				code = websocket.CloseNormalClosure
			}
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason))
			p.conn.Close()
			return
		}
	}
}
