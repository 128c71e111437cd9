// ABOUTME: One admitted WebSocket connection with its read and write goroutines
// ABOUTME: The write loop is the only socket writer; Close is idempotent and never blocks

package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/mission-gateway/internal/auth"
	"github.com/2389/mission-gateway/internal/events"
	"github.com/2389/mission-gateway/internal/metrics"
	"github.com/2389/mission-gateway/internal/rooms"
)

// Connection is an admitted client. It implements rooms.Member.
type Connection struct {
	id          string
	identity    *auth.Identity
	remoteAddr  string
	connectedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	gk      *Gatekeeper
	logger  *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	reason    error
}

var _ rooms.Member = (*Connection)(nil)

// ID returns the connection ID.
func (c *Connection) ID() string { return c.id }

// Identity returns the principal the connection authenticated as.
func (c *Connection) Identity() *auth.Identity { return c.identity }

// Done is closed when teardown starts.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Reason returns why the connection was closed, or nil while open.
func (c *Connection) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Enqueue hands a frame to the write loop without blocking. It returns
// rooms.ErrBackpressure when the send queue is full.
func (c *Connection) Enqueue(frame []byte) error {
	if c.closed() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return rooms.ErrBackpressure
	}
}

// Close tears the connection down. Only the first call has an effect; it
// removes the connection from every room and from the monitor, then signals
// the write loop, which sends the close frame and closes the socket.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrConnectionClosed
		}
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()

		close(c.done)
		c.gk.release(c, reason)
	})
}

// reply sends a control frame to this connection only.
func (c *Connection) reply(p events.Payload) {
	frame, err := events.EncodeControl(p)
	if err != nil {
		c.logger.Error("encoding reply", "kind", p.Kind(), "error", err)
		return
	}
	if err := c.Enqueue(frame); errors.Is(err, rooms.ErrBackpressure) {
		c.Close(rooms.ErrBackpressure)
	}
}

func (c *Connection) replyError(msg string) {
	c.reply(events.Error{Message: msg})
}

// readLoop runs on the handler goroutine until the socket fails.
func (c *Connection) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed() {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Debug("read failed", "error", err)
				}
				c.Close(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			metrics.ClientFrames.WithLabelValues("binary", "malformed").Inc()
			c.replyError(ErrMalformedFrame.Error())
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Connection) handleFrame(data []byte) {
	f, err := decodeClientFrame(data)
	if err != nil {
		metrics.ClientFrames.WithLabelValues("unknown", "malformed").Inc()
		c.replyError(ErrMalformedFrame.Error())
		return
	}

	// Heartbeats are exempt so a chatty client cannot rate limit itself into eviction.
	if f.Type != FrameHeartbeat && !c.limiter.Allow() {
		metrics.ClientFrames.WithLabelValues(frameLabel(f.Type), "rate_limited").Inc()
		c.replyError(rateLimitExceededText)
		return
	}

	switch f.Type {
	case FrameSubscribe:
		c.handleSubscribe(f)
	case FrameUnsubscribe:
		c.handleUnsubscribe(f)
	case FrameHeartbeat:
		c.handleHeartbeat(f)
	default:
		metrics.ClientFrames.WithLabelValues("unknown", "rejected").Inc()
		c.replyError("unknown frame type: " + f.Type)
	}
}

func frameLabel(t string) string {
	switch t {
	case FrameSubscribe, FrameUnsubscribe, FrameHeartbeat, FrameAuth:
		return t
	default:
		return "unknown"
	}
}

func (c *Connection) handleSubscribe(f ClientFrame) {
	var d RoomData
	if err := decodeData(f, &d); err != nil {
		metrics.ClientFrames.WithLabelValues(FrameSubscribe, "malformed").Inc()
		c.replyError(ErrMalformedFrame.Error())
		return
	}
	if err := events.ValidateSubscribable(d.Room); err != nil {
		metrics.ClientFrames.WithLabelValues(FrameSubscribe, "rejected").Inc()
		c.replyError(err.Error())
		return
	}

	c.gk.registry.Join(d.Room, c)
	// Close may have run LeaveAll concurrently with Join.
	if c.closed() {
		c.gk.registry.Leave(d.Room, c)
		return
	}
	metrics.ClientFrames.WithLabelValues(FrameSubscribe, "ok").Inc()
	c.reply(events.Subscribed{Room: d.Room})
}

func (c *Connection) handleUnsubscribe(f ClientFrame) {
	var d RoomData
	if err := decodeData(f, &d); err != nil {
		metrics.ClientFrames.WithLabelValues(FrameUnsubscribe, "malformed").Inc()
		c.replyError(ErrMalformedFrame.Error())
		return
	}
	var reject error
	switch d.Room {
	case "":
		reject = events.ErrRoomRequired
	case events.DashboardRoom:
		reject = events.ErrGlobalRoom
	}
	if reject != nil {
		metrics.ClientFrames.WithLabelValues(FrameUnsubscribe, "rejected").Inc()
		c.replyError(reject.Error())
		return
	}

	c.gk.registry.Leave(d.Room, c)
	metrics.ClientFrames.WithLabelValues(FrameUnsubscribe, "ok").Inc()
	c.reply(events.Unsubscribed{Room: d.Room})
}

func (c *Connection) handleHeartbeat(f ClientFrame) {
	var d HeartbeatData
	if err := decodeData(f, &d); err != nil {
		metrics.ClientFrames.WithLabelValues(FrameHeartbeat, "malformed").Inc()
		c.replyError(ErrMalformedFrame.Error())
		return
	}
	c.gk.liveness.Touch(c.id)
	metrics.ClientFrames.WithLabelValues(FrameHeartbeat, "ok").Inc()
	c.reply(events.HeartbeatAck{Timestamp: d.Timestamp})
}

// writeLoop drains the send queue until teardown, then closes the socket.
func (c *Connection) writeLoop() {
	defer c.gk.wg.Done()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gk.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close(fmt.Errorf("%w: write: %v", ErrConnectionClosed, err))
			}
		case <-c.done:
			c.shutdown()
			return
		}
	}
}

func (c *Connection) shutdown() {
	reason := c.Reason()
	msg := websocket.FormatCloseMessage(closeCode(reason), closeText(reason))
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.gk.cfg.WriteTimeout))
	_ = c.conn.Close()

	if c.gk.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		defer cancel()
		if err := c.gk.ledger.RecordClosure(ctx, c.id, time.Now(), reasonLabel(reason)); err != nil {
			c.logger.Warn("recording session closure", "error", err)
		}
	}
}
