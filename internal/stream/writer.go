package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/livefeed-io/livefeed/internal/metrics"
)

const (
	writeDeadline   = 5 * time.Second
	pingInterval    = 30 * time.Second
	pongDeadline    = 60 * time.Second
	frameBufferSize = 32
)

// connWriter owns all writes to one WebSocket connection. Frames are
// enqueued without blocking; a full buffer drops the frame so a slow
// client never stalls the bus.
type connWriter struct {
	connection *websocket.Conn
	clock      clockwork.Clock
	sendCh     chan bus.Frame
	doneCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func newConnWriter(connection *websocket.Conn, clock clockwork.Clock) *connWriter {
	cw := &connWriter{
		connection: connection,
		clock:      clock,
		sendCh:     make(chan bus.Frame, frameBufferSize),
		doneCh:     make(chan struct{}),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

// enqueue hands a frame to the writer goroutine. Reports false if the
// buffer is full.
func (cw *connWriter) enqueue(f bus.Frame) bool {
	select {
	case cw.sendCh <- f:
		return true
	default:
		return false
	}
}

func (cw *connWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case frame := <-cw.sendCh:
			if frame.Close {
				metrics.WebSocketForcedDisconnects.Inc()
				// Internal instruction codes below the WebSocket range map
				// onto a normal closure on the wire.
				code := websocket.CloseNormalClosure
				if frame.Code >= websocket.CloseNormalClosure {
					code = frame.Code
				}
				cw.writeClose(code, "disconnected")
				_ = cw.connection.Close()
				return
			}
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, frame.Data); err != nil {
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case <-cw.doneCh:
			return
		}
	}
}

func (cw *connWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (cw *connWriter) stopGraceful(code int, reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneCh)
		// The run goroutine must exit before writing the close frame to
		// avoid concurrent writes on the connection.
		cw.wg.Wait()
		cw.writeClose(code, reason)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *connWriter) writeClose(code int, reason string) {
	closeMsg := websocket.FormatCloseMessage(code, reason)
	cw.updateWriteDeadline()
	_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
}

func (cw *connWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

func (cw *connWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *connWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}
