package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type viewer struct {
	id      string
	remote  string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	joined  time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// enqueue queues msg without blocking. It reports false when the queue is
// full; a closed viewer silently discards.
func (v *viewer) enqueue(msg []byte) bool {
	select {
	case <-v.closed:
		return true
	default:
	}
	select {
	case v.send <- msg:
		return true
	default:
		return false
	}
}

func (v *viewer) close() {
	v.closeOnce.Do(func() { close(v.closed) })
}

// writePump owns every write to the connection. On close it flushes what
// is already queued, sends a close frame and closes the socket, which ends
// the read side.
func (v *viewer) writePump(ping, timeout time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		v.close()
		_ = v.conn.Close()
	}()
	for {
		select {
		case msg := <-v.send:
			if !v.write(msg, timeout) {
				return
			}
		case <-ticker.C:
			if err := v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				return
			}
		case <-v.closed:
			for {
				select {
				case msg := <-v.send:
					if !v.write(msg, timeout) {
						return
					}
				default:
					_ = v.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(timeout))
					return
				}
			}
		}
	}
}

func (v *viewer) write(msg []byte, timeout time.Duration) bool {
	_ = v.conn.SetWriteDeadline(time.Now().Add(timeout))
	return v.conn.WriteMessage(websocket.TextMessage, msg) == nil
}
