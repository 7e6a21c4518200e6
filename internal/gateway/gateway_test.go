package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjudge/arbiter/internal/dispatcher"
	"github.com/openjudge/arbiter/internal/model"
	"github.com/openjudge/arbiter/internal/protocol"
	"github.com/openjudge/arbiter/internal/queue"
	"github.com/openjudge/arbiter/internal/store"
)

type fakeLogs struct {
	logs map[string]*model.SubmissionLog
}

func (f *fakeLogs) Get(_ context.Context, submissionID, runID string) (*model.SubmissionLog, error) {
	if l, ok := f.logs[submissionID+":"+runID]; ok {
		return l, nil
	}
	return nil, store.ErrLogNotFound
}

type testEnv struct {
	qm   *queue.Manager
	logs *fakeLogs
	srv  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvList(t, queue.NewMemoryList())
}

func newTestEnvList(t *testing.T, list queue.List) *testEnv {
	t.Helper()
	e := &testEnv{
		qm:   queue.NewManager(list),
		logs: &fakeLogs{logs: map[string]*model.SubmissionLog{}},
	}
	g := New(e.qm, e.logs)
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/judge/"))
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *testEnv) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/judge/" + id
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func expectClose(t *testing.T, ws *websocket.Conn, code int, reason string) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code, ce.Code)
	assert.Equal(t, reason, ce.Text)
}

func TestReplayFromTranscript(t *testing.T) {
	e := newTestEnv(t)
	e.logs.logs["s1:r1"] = &model.SubmissionLog{
		ID:         "r1",
		Submission: "s1",
		Logs: []model.Message{
			{Tag: "waiting"},
			protocol.MustFrame("catched", "alpha"),
			protocol.MustFrame("overall", map[string]any{"status": 0}),
		},
	}

	ws := e.dial(t, "s1:r1")

	env := readEnvelope(t, ws)
	assert.Equal(t, "waiting", env.Status)
	assert.Equal(t, "null", string(env.Data))

	env = readEnvelope(t, ws)
	assert.Equal(t, "catched", env.Status)
	assert.Equal(t, `"alpha"`, string(env.Data))

	env = readEnvelope(t, ws)
	assert.Equal(t, "overall", env.Status)

	expectClose(t, ws, websocket.CloseNormalClosure, "eof cache")
}

func TestUnknownRunRejected(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t, "nobody:r9")
	expectClose(t, ws, websocket.ClosePolicyViolation, "cannot find judge queue")
}

func TestInvalidIDRejected(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t, "noseparator")
	expectClose(t, ws, websocket.ClosePolicyViolation, "invalid id")
}

func TestLiveReplayThenForwardUntilOverall(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	q, err := e.qm.Create(dispatcher.QueueName("s1", "r1"))
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, protocol.Frame{Tag: "waiting"}))
	require.NoError(t, q.Put(ctx, protocol.MustFrame("catched", "alpha")))

	ws := e.dial(t, "s1:r1")
	assert.Equal(t, "waiting", readEnvelope(t, ws).Status)
	assert.Equal(t, "catched", readEnvelope(t, ws).Status)

	// Live frames arrive as they are published.
	res := protocol.Result{Index: 1, Status: protocol.StatusAccepted, Time: 0.1, Point: 1}
	require.NoError(t, q.Put(ctx, protocol.MustFrame("result", res)))
	env := readEnvelope(t, ws)
	assert.Equal(t, "result", env.Status)
	var got protocol.Result
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, 1, got.Index)

	// The overall frame is delivered, then the stream finishes.
	require.NoError(t, q.Put(ctx, protocol.MustFrame("overall", map[string]any{"status": 0})))
	assert.Equal(t, "overall", readEnvelope(t, ws).Status)
	expectClose(t, ws, websocket.CloseNormalClosure, "done")
}

func TestClosedQueueReplaysAsCache(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	q, err := e.qm.Create(dispatcher.QueueName("s1", "r2"))
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, protocol.Frame{Tag: "waiting"}))
	q.Close()

	ws := e.dial(t, "s1:r2")
	assert.Equal(t, "waiting", readEnvelope(t, ws).Status)
	expectClose(t, ws, websocket.CloseNormalClosure, "eof cache")
}

func TestQueueCloseClosesSubscriber(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	q, err := e.qm.Create(dispatcher.QueueName("s1", "r3"))
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, protocol.Frame{Tag: "waiting"}))

	ws := e.dial(t, "s1:r3")
	assert.Equal(t, "waiting", readEnvelope(t, ws).Status)

	q.Close()
	expectClose(t, ws, websocket.CloseNormalClosure, "judge closed")
}

func TestAbortFrameClosesSubscriber(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	q, err := e.qm.Create(dispatcher.QueueName("s1", "r4"))
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, protocol.Frame{Tag: "waiting"}))

	ws := e.dial(t, "s1:r4")
	assert.Equal(t, "waiting", readEnvelope(t, ws).Status)

	require.NoError(t, q.Put(ctx, protocol.Frame{Tag: protocol.TagAborted}))
	expectClose(t, ws, websocket.CloseNormalClosure, "aborted")
}

// laggedList stretches the replay read so frames can land while it is in
// flight.
type laggedList struct {
	queue.List
	delay time.Duration
}

func (l *laggedList) Range(ctx context.Context, key string) ([][]byte, error) {
	items, err := l.List.Range(ctx, key)
	time.Sleep(l.delay)
	return items, err
}

func TestFramePublishedDuringReplayIsForwardedOnce(t *testing.T) {
	list := &laggedList{List: queue.NewMemoryList(), delay: 300 * time.Millisecond}
	e := newTestEnvList(t, list)
	ctx := context.Background()
	q, err := e.qm.Create(dispatcher.QueueName("s1", "r6"))
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, protocol.Frame{Tag: "waiting"}))

	ws := e.dial(t, "s1:r6")

	// Publish while the replay read is still in flight.
	go func() {
		time.Sleep(100 * time.Millisecond)
		res := protocol.Result{Index: 1, Status: protocol.StatusAccepted, Point: 1}
		q.Put(ctx, protocol.MustFrame("result", res))
		q.Put(ctx, protocol.MustFrame("overall", map[string]any{"status": 0}))
	}()

	var tags []string
	for {
		env := readEnvelope(t, ws)
		tags = append(tags, env.Status)
		if env.Status == "overall" {
			break
		}
	}
	assert.Equal(t, []string{"waiting", "result", "overall"}, tags)
	expectClose(t, ws, websocket.CloseNormalClosure, "done")
}

func TestAdmissionErrorClosesWithInternalError(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	q, err := e.qm.Create(dispatcher.QueueName("s1", "r5"))
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, protocol.Frame{Tag: "waiting"}))

	ws := e.dial(t, "s1:r5")
	assert.Equal(t, "waiting", readEnvelope(t, ws).Status)

	require.NoError(t, q.Put(ctx, map[string]string{"error": "submission not found"}))
	expectClose(t, ws, websocket.CloseInternalServerErr, "submission not found")
}
