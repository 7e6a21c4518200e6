// Package worker maintains the long-lived websocket session to one judge
// worker: setup handshake, heartbeat, incoming-frame demultiplexing and the
// judge-run state machine.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openjudge/arbiter/internal/model"
	"github.com/openjudge/arbiter/internal/protocol"
)

const (
	writeWait   = 10 * time.Second
	maxMsgSize  = 4 * 1024 * 1024 // testcase payloads ride in single frames
	chanBuffer  = 64
	debugRing   = 256
	eventBuffer = 16
)

// Options carries the dispatcher-level settings a connection needs.
type Options struct {
	RecvTimeout       time.Duration
	HeartbeatInterval time.Duration

	// Declared capability documents sent during the setup handshake.
	LanguageDoc string
	CompilerDoc string
}

// Event is one element of the judge run's async stream. A non-nil Err is
// terminal: the run failed inside the connection (transport death or a
// protocol violation) and no further events follow.
type Event struct {
	Tag     string
	Payload json.RawMessage
	Err     error
}

// Connection is a single long-lived session to one judge worker. Incoming
// frames are demultiplexed into status, judge and other streams; at most one
// judge run is in flight at a time.
type Connection struct {
	srv  model.Server
	opts Options
	log  *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex

	statusCh chan protocol.Frame
	judgeCh  chan protocol.Frame
	otherCh  chan protocol.Frame

	judging atomic.Bool
	paused  atomic.Bool
	closed  atomic.Bool

	closeOnce sync.Once
	done      chan struct{} // the stop_recv signal

	debugMu sync.Mutex
	debug   []string
}

// Dial opens the transport, performs the declare handshake and starts the
// receiver and heartbeat tasks. On failure the returned error wraps
// ErrConnection and no connection is left behind.
func Dial(ctx context.Context, srv model.Server, opts Options) (*Connection, error) {
	uri := srv.URI
	if !strings.HasSuffix(uri, "/session") {
		uri = strings.TrimSuffix(uri, "/") + "/session"
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, uri, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Connection{
		srv:      srv,
		opts:     opts,
		log:      slog.With("server", srv.ID, "name", srv.Name),
		ws:       ws,
		statusCh: make(chan protocol.Frame, chanBuffer),
		judgeCh:  make(chan protocol.Frame, chanBuffer),
		otherCh:  make(chan protocol.Frame, chanBuffer),
		done:     make(chan struct{}),
	}

	setup := []protocol.Frame{
		protocol.MustFrame(protocol.CmdDeclareLanguage, []string{opts.LanguageDoc, "false"}),
		protocol.MustFrame(protocol.CmdDeclareCompiler, []string{opts.CompilerDoc, "false"}),
		protocol.MustFrame(protocol.CmdDeclareLoad, []string{}),
	}
	for _, f := range setup {
		if err := c.send(f); err != nil {
			ws.Close()
			return nil, fmt.Errorf("%w: handshake: %v", ErrConnection, err)
		}
	}

	ws.SetReadLimit(maxMsgSize)
	ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	go c.recvLoop()
	go c.heartbeatLoop()

	c.log.Info("judge server connected", "uri", uri)
	return c, nil
}

func (c *Connection) pongWait() time.Duration {
	return 2*c.opts.HeartbeatInterval + c.opts.RecvTimeout
}

func (c *Connection) ID() string   { return c.srv.ID }
func (c *Connection) Name() string { return c.srv.Name }
func (c *Connection) URI() string  { return c.srv.URI }

func (c *Connection) Closed() bool  { return c.closed.Load() }
func (c *Connection) Judging() bool { return c.judging.Load() }
func (c *Connection) Paused() bool  { return c.paused.Load() }

// Pause makes the connection report paused so the dispatcher skips it.
func (c *Connection) Pause()  { c.paused.Store(true) }
func (c *Connection) Resume() { c.paused.Store(false) }

// Close tears the session down: marks closed, stops both background tasks,
// closes the transport and pushes a closed sentinel into every stream so
// pending waiters unblock. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		sentinel := protocol.Frame{Tag: protocol.TagClosed}
		for _, ch := range []chan protocol.Frame{c.statusCh, c.judgeCh, c.otherCh} {
			select {
			case ch <- sentinel:
			default:
			}
		}

		c.ws.Close()
		c.log.Info("judge server disconnected")
	})
	return nil
}

// recvLoop owns all reads from the transport and routes frames by tag:
// "status" to the status stream, "judge.*" to the judge stream, everything
// else to the other stream. Undecodable frames are logged and dropped.
func (c *Connection) recvLoop() {
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("recv failed", "error", err)
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.log.Error("dropping undecodable frame", "error", err)
			continue
		}

		switch {
		case frame.Tag == protocol.TagStatus:
			c.route(c.statusCh, frame)
		case frame.IsJudge():
			c.route(c.judgeCh, frame)
		default:
			c.route(c.otherCh, frame)
		}
	}
}

func (c *Connection) route(ch chan protocol.Frame, f protocol.Frame) {
	select {
	case ch <- f:
	default:
		c.log.Warn("stream buffer full, dropping frame", "tag", f.Tag)
	}
}

// heartbeatLoop pings the worker every heartbeat interval. A failed ping
// write means the transport is gone; the read deadline catches missing
// pongs. Either way the connection ends up closed and the supervisor drives
// reconnection.
func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.RecvTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Warn("heartbeat failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// send serializes one frame onto the transport. All writes funnel through
// here under writeMu so ping control frames and command frames never race.
func (c *Connection) send(f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.Close()
		return fmt.Errorf("send %s: %w", f.Tag, err)
	}
	return nil
}

// Status asks the worker for its state. Paused and closed are answered
// locally without touching the wire.
func (c *Connection) Status(ctx context.Context) (protocol.WorkerStatus, error) {
	if c.closed.Load() {
		return protocol.WorkerStatus{Status: protocol.WorkerClosed}, nil
	}
	if c.paused.Load() {
		return protocol.WorkerStatus{Status: protocol.WorkerPaused}, nil
	}

	if err := c.send(protocol.Frame{Tag: protocol.CmdStatus}); err != nil {
		return protocol.WorkerStatus{Status: protocol.WorkerClosed}, nil
	}

	select {
	case f := <-c.statusCh:
		if f.Tag == protocol.TagClosed {
			return protocol.WorkerStatus{Status: protocol.WorkerClosed}, nil
		}
		var st protocol.WorkerStatus
		if err := f.Decode(&st); err != nil {
			return protocol.WorkerStatus{}, err
		}
		return st, nil
	case <-ctx.Done():
		return protocol.WorkerStatus{}, ctx.Err()
	case <-c.done:
		return protocol.WorkerStatus{Status: protocol.WorkerClosed}, nil
	case <-time.After(c.opts.RecvTimeout):
		return protocol.WorkerStatus{}, fmt.Errorf("%w: status", ErrNotReceiving)
	}
}

func (c *Connection) debugNote(note string) {
	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	if len(c.debug) >= debugRing {
		c.debug = c.debug[1:]
	}
	c.debug = append(c.debug, note)
}

// DebugTrace returns a copy of the local protocol trace.
func (c *Connection) DebugTrace() []string {
	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	out := make([]string, len(c.debug))
	copy(out, c.debug)
	return out
}
