// Package gateway bridges a run's progress queue to websocket subscribers:
// replay of already-published frames, live forwarding, and replay from the
// persisted transcript once the run is gone.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openjudge/arbiter/internal/dispatcher"
	"github.com/openjudge/arbiter/internal/model"
	"github.com/openjudge/arbiter/internal/protocol"
	"github.com/openjudge/arbiter/internal/queue"
	"github.com/openjudge/arbiter/internal/store"
)

const (
	writeWait     = 10 * time.Second
	forwardBuffer = 256
)

// LogGetter reads a persisted run transcript.
type LogGetter interface {
	Get(ctx context.Context, submissionID, runID string) (*model.SubmissionLog, error)
}

// Gateway serves the subscriber side of run progress queues.
type Gateway struct {
	queues *queue.Manager
	logs   LogGetter
	log    *slog.Logger
	up     websocket.Upgrader
}

func New(queues *queue.Manager, logs LogGetter) *Gateway {
	return &Gateway{
		queues: queues,
		logs:   logs,
		log:    slog.With("component", "gateway"),
		up: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// envelope is the downstream message shape: the frame tag as status, the
// frame payload as data.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func envelopeOf(f protocol.Frame) envelope {
	data := f.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return envelope{Status: f.Tag, Data: data}
}

// Serve upgrades the request and streams the run identified by
// "<submission_id>:<run_id>".
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, id string) {
	ws, err := g.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	closeWith := func(code int, reason string) {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		ws.WriteControl(websocket.CloseMessage, msg, deadline)
	}

	i := strings.LastIndexByte(id, ':')
	if i <= 0 || i == len(id)-1 {
		closeWith(websocket.ClosePolicyViolation, "invalid id")
		return
	}
	submissionID, runID := id[:i], id[i+1:]
	ctx := r.Context()

	send := func(f protocol.Frame) error {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteJSON(envelopeOf(f))
	}

	// Finished runs replay from the transcript store.
	if logEntry, err := g.logs.Get(ctx, submissionID, runID); err == nil {
		for _, f := range logEntry.Logs {
			if err := send(f); err != nil {
				return
			}
		}
		closeWith(websocket.CloseNormalClosure, "eof cache")
		return
	} else if !errors.Is(err, store.ErrLogNotFound) {
		g.log.Error("transcript lookup failed", "submission", submissionID, "run", runID, "error", err)
	}

	name := dispatcher.QueueName(submissionID, runID)

	var q *queue.Queue
	switch {
	case g.queues.Check(name):
		q, err = g.queues.Get(name)
	default:
		ok, cacheErr := g.queues.CheckCache(ctx, name)
		if cacheErr != nil || !ok {
			closeWith(websocket.ClosePolicyViolation, "cannot find judge queue")
			return
		}
		q, err = g.queues.GetCache(ctx, name)
	}
	if err != nil {
		closeWith(websocket.CloseInternalServerErr, "queue lookup failed")
		return
	}

	// Subscribe before the replay read so a frame published in between is
	// not lost; offset is the list length at subscription time.
	frames := make(chan []byte, forwardBuffer)
	closed := make(chan struct{})
	putID, offset, err := q.OnPutFrom(ctx, func(data []byte) {
		select {
		case frames <- data:
		default:
			g.log.Warn("subscriber too slow, dropping frame", "queue", name)
		}
	})
	if err != nil {
		closeWith(websocket.CloseInternalServerErr, "queue read failed")
		return
	}
	closeID := q.OnClose(func() { close(closed) })
	defer q.Off(putID)
	defer q.Off(closeID)

	// Replay whatever the run already published.
	raw, err := q.GetAll(ctx)
	if err != nil {
		closeWith(websocket.CloseInternalServerErr, "queue read failed")
		return
	}
	for _, data := range raw {
		f, errText, ok := decodeEntry(data)
		if !ok {
			continue
		}
		if errText != "" {
			closeWith(websocket.CloseInternalServerErr, errText)
			return
		}
		if err := send(f); err != nil {
			return
		}
	}

	// Frames appended between the subscription and the replay read arrived
	// on both paths; drop that many from the live channel.
	skip := len(raw) - int(offset)

	if q.Closed() {
		closeWith(websocket.CloseNormalClosure, "eof cache")
		return
	}

	relay := func(data []byte) (done bool) {
		if skip > 0 {
			skip--
			return false
		}
		return g.forward(send, closeWith, data)
	}

	// Reads only matter for detecting a vanished client.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			return

		case data := <-frames:
			if relay(data) {
				return
			}

		case <-closed:
			// Flush anything the run published right before closing.
			for {
				select {
				case data := <-frames:
					if relay(data) {
						return
					}
				default:
					closeWith(websocket.CloseNormalClosure, "judge closed")
					return
				}
			}
		}
	}
}

// forward relays one queue entry downstream and reports whether the stream
// is finished. Terminal tags map to close codes: error frames close with an
// internal error, aborts close normally with "aborted", and the overall
// frame is delivered before closing with "done".
func (g *Gateway) forward(send func(protocol.Frame) error, closeWith func(int, string), data []byte) bool {
	f, errText, ok := decodeEntry(data)
	if !ok {
		return false
	}
	if errText != "" {
		closeWith(websocket.CloseInternalServerErr, errText)
		return true
	}

	switch f.Tag {
	case "abort", protocol.TagAborted:
		closeWith(websocket.CloseNormalClosure, "aborted")
		return true
	case protocol.TagOverall:
		if err := send(f); err != nil {
			return true
		}
		closeWith(websocket.CloseNormalClosure, "done")
		return true
	default:
		return send(f) != nil
	}
}

// decodeEntry parses one durable-list entry: either a wire frame or the
// dispatcher's {"error": …} admission failure.
func decodeEntry(data []byte) (f protocol.Frame, errText string, ok bool) {
	if err := json.Unmarshal(data, &f); err == nil {
		return f, "", true
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err == nil {
		if text, found := m["error"]; found {
			return protocol.Frame{}, text, true
		}
	}
	return protocol.Frame{}, "", false
}
