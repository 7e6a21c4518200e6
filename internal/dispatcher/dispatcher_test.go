package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjudge/arbiter/internal/model"
	"github.com/openjudge/arbiter/internal/protocol"
	"github.com/openjudge/arbiter/internal/queue"
	"github.com/openjudge/arbiter/internal/store"
	"github.com/openjudge/arbiter/internal/worker"
)

// fakeConn is a scripted pool entry. The script produces the event stream
// one real judge run would.
type fakeConn struct {
	id, name, uri string

	closed  atomic.Bool
	judging atomic.Bool
	paused  atomic.Bool

	script func(ctx context.Context, lo, hi int, out chan<- worker.Event)
}

func (f *fakeConn) ID() string    { return f.id }
func (f *fakeConn) Name() string  { return f.name }
func (f *fakeConn) URI() string   { return f.uri }
func (f *fakeConn) Closed() bool  { return f.closed.Load() }
func (f *fakeConn) Judging() bool { return f.judging.Load() }
func (f *fakeConn) Paused() bool  { return f.paused.Load() }
func (f *fakeConn) Pause()        { f.paused.Store(true) }
func (f *fakeConn) Resume()       { f.paused.Store(false) }
func (f *fakeConn) Close() error  { f.closed.Store(true); return nil }

func (f *fakeConn) Status(context.Context) (protocol.WorkerStatus, error) {
	switch {
	case f.closed.Load():
		return protocol.WorkerStatus{Status: protocol.WorkerClosed}, nil
	case f.paused.Load():
		return protocol.WorkerStatus{Status: protocol.WorkerPaused}, nil
	case f.judging.Load():
		return protocol.WorkerStatus{Status: protocol.WorkerBusy}, nil
	default:
		return protocol.WorkerStatus{Status: protocol.WorkerIdle}, nil
	}
}

func (f *fakeConn) Judge(ctx context.Context, _ *model.Submission, _ *model.Problem, lo, hi int, _ bool) (<-chan worker.Event, error) {
	if f.closed.Load() {
		return nil, worker.ErrClosed
	}
	if !f.judging.CompareAndSwap(false, true) {
		return nil, worker.ErrServerBusy
	}

	out := make(chan worker.Event, 64)
	go func() {
		defer f.judging.Store(false)
		defer close(out)
		f.script(ctx, lo, hi, out)
	}()
	return out, nil
}

func ev(tag string, payload any) worker.Event {
	e := worker.Event{Tag: tag}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		e.Payload = data
	}
	return e
}

// okScript plays a clean accepted run over the assigned range.
func okScript(timePer float64) func(context.Context, int, int, chan<- worker.Event) {
	return func(_ context.Context, lo, hi int, out chan<- worker.Event) {
		out <- ev(protocol.TagInitting, nil)
		out <- ev(protocol.TagJudging, nil)
		for i := lo; i <= hi; i++ {
			out <- ev(protocol.TagResult, protocol.Result{
				Index:  i,
				Status: protocol.StatusAccepted,
				Time:   timePer,
				Memory: [2]float64{1000, 2000},
				Point:  1,
			})
		}
		out <- ev(protocol.TagOverall, protocol.StatusAccepted)
		out <- ev(protocol.TagDone, nil)
	}
}

type fakeSubStore struct {
	mu   sync.Mutex
	subs map[string]*model.Submission
}

func (s *fakeSubStore) Get(_ context.Context, id string) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, store.ErrSubmissionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *fakeSubStore) List(context.Context) ([]*model.Submission, error) { return nil, nil }

func (s *fakeSubStore) Add(_ context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
	return nil
}

func (s *fakeSubStore) Update(_ context.Context, id string, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = sub
	return nil
}

func (s *fakeSubStore) result(id string) *model.SubmissionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		return sub.Result
	}
	return nil
}

type fakeProbStore struct {
	probs map[string]*model.Problem
}

func (s *fakeProbStore) Get(_ context.Context, id string) (*model.Problem, error) {
	p, ok := s.probs[id]
	if !ok {
		return nil, store.ErrProblemNotFound
	}
	return p, nil
}

func (s *fakeProbStore) List(context.Context) ([]*model.Problem, error)       { return nil, nil }
func (s *fakeProbStore) Add(context.Context, *model.Problem) error            { return nil }
func (s *fakeProbStore) Update(context.Context, string, *model.Problem) error { return nil }
func (s *fakeProbStore) Delete(context.Context, string) error                 { return nil }

type fakeRegistry struct {
	mu      sync.Mutex
	servers map[string]model.Server
}

func (r *fakeRegistry) List(context.Context) ([]model.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRegistry) Get(_ context.Context, id string) (model.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[id]
	if !ok {
		return model.Server{}, store.ErrServerNotFound
	}
	return s, nil
}

func (r *fakeRegistry) Add(_ context.Context, s model.Server) (model.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.ID] = s
	return s, nil
}

func (r *fakeRegistry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, id)
	return nil
}

type fakeLogs struct {
	mu    sync.Mutex
	dumps map[string][]model.Message
}

func (l *fakeLogs) Dump(_ context.Context, sid, runID string, frames []model.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dumps == nil {
		l.dumps = make(map[string][]model.Message)
	}
	l.dumps[sid+":"+runID] = frames
	return nil
}

func testOptions(mode int) Options {
	return Options{
		Mode:              mode,
		ReconnectTimeout:  10 * time.Millisecond,
		RecvTimeout:       time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		MaxRetry:          2,
	}
}

type env struct {
	d    *Dispatcher
	subs *fakeSubStore
	logs *fakeLogs
	qm   *queue.Manager
}

func newEnv(t *testing.T, mode int, conns ...*fakeConn) *env {
	t.Helper()

	subs := &fakeSubStore{subs: map[string]*model.Submission{
		"s1": {ID: "s1", Problem: "p1"},
	}}
	probs := &fakeProbStore{probs: map[string]*model.Problem{
		"p1": {ID: "p1", TotalTestcases: 4, PointPerTestcase: 1},
	}}
	reg := &fakeRegistry{servers: map[string]model.Server{}}
	logs := &fakeLogs{}

	d := New(testOptions(mode), reg, subs, probs, logs, nil)
	for _, c := range conns {
		d.conns[c.id] = c
	}
	t.Cleanup(d.Stop)

	return &env{d: d, subs: subs, logs: logs, qm: queue.NewManager(queue.NewMemoryList())}
}

func (e *env) newRunQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := e.qm.Create(QueueName("s1", "r1"))
	require.NoError(t, err)
	return q
}

// frames decodes every entry of the queue that parses as a wire frame.
func frames(t *testing.T, q *queue.Queue) []protocol.Frame {
	t.Helper()
	raw, err := q.GetAll(context.Background())
	require.NoError(t, err)

	var out []protocol.Frame
	for _, data := range raw {
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func frameTags(fs []protocol.Frame) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Tag
	}
	return out
}

func TestPartitionCompleteness(t *testing.T) {
	for n := 0; n <= 9; n++ {
		for k := 1; k <= 5; k++ {
			chunks := Partition(n, k)
			require.Len(t, chunks, k)

			next := 1
			minLen, maxLen := n+1, 0
			for _, c := range chunks {
				if c.Empty() {
					minLen = 0
					continue
				}
				assert.Equal(t, next, c.Lo, "n=%d k=%d", n, k)
				next = c.Hi + 1
				if c.Len() < minLen {
					minLen = c.Len()
				}
				if c.Len() > maxLen {
					maxLen = c.Len()
				}
			}
			assert.Equal(t, n+1, next, "chunks must cover [1..n] for n=%d k=%d", n, k)
			if n > 0 {
				assert.LessOrEqual(t, maxLen-minLen, 1, "n=%d k=%d", n, k)
			}
		}
	}
}

func TestParseQueueName(t *testing.T) {
	name := QueueName("sub:with:colons", "01J3ZK")
	sid, run, ok := ParseQueueName(name)
	require.True(t, ok)
	assert.Equal(t, "sub:with:colons", sid)
	assert.Equal(t, "01J3ZK", run)

	_, _, ok = ParseQueueName("nonsense")
	assert.False(t, ok)
	_, _, ok = ParseQueueName("judge::noid")
	assert.False(t, ok)
}

func TestJudgePSPSAggregatesRun(t *testing.T) {
	c := &fakeConn{id: "0", name: "alpha", script: okScript(0.2)}
	e := newEnv(t, 0, c)
	q := e.newRunQueue(t)

	sub, _ := e.subs.Get(context.Background(), "s1")
	prob := &model.Problem{ID: "p1", TotalTestcases: 4, PointPerTestcase: 1}

	require.NoError(t, e.d.judgePSPS(context.Background(), sub, prob, q))

	fs := frames(t, q)
	assert.Equal(t,
		[]string{"catched", "initting", "judging", "result", "result", "result", "result", "overall"},
		frameTags(fs))
	assert.Equal(t, "alpha", fs[0].Text())
	assert.True(t, q.Closed())

	res := e.subs.result("s1")
	require.NotNil(t, res)
	assert.Equal(t, protocol.StatusAccepted, res.Status)
	assert.InDelta(t, 0.2, res.Time, 1e-9) // mean over 4 testcases
	assert.InDelta(t, 4, res.Point, 1e-9)
	assert.InDelta(t, 1000, res.Memory[0], 1e-9)
	assert.InDelta(t, 2000, res.Memory[1], 1e-9)

	e.logs.mu.Lock()
	defer e.logs.mu.Unlock()
	assert.NotEmpty(t, e.logs.dumps["s1:r1"])
}

func TestJudgePSPSWorkerFailure(t *testing.T) {
	c := &fakeConn{id: "0", name: "alpha", script: func(_ context.Context, _, _ int, out chan<- worker.Event) {
		out <- ev(protocol.TagInitting, nil)
		out <- worker.Event{Err: fmt.Errorf("%w", worker.ErrClosed)}
	}}
	e := newEnv(t, 0, c)
	q := e.newRunQueue(t)

	sub, _ := e.subs.Get(context.Background(), "s1")
	prob := &model.Problem{ID: "p1", TotalTestcases: 4}

	require.NoError(t, e.d.judgePSPS(context.Background(), sub, prob, q))

	res := e.subs.result("s1")
	require.NotNil(t, res)
	assert.Equal(t, protocol.StatusSystemError, res.Status)
	assert.Equal(t, -1.0, res.Time)
	assert.Equal(t, [2]float64{-1, -1}, res.Memory)
	assert.NotEmpty(t, res.Error)
	assert.True(t, q.Closed())
}

func TestJudgePSPSBusyWhenNoIdleWorker(t *testing.T) {
	c := &fakeConn{id: "0", name: "alpha", script: okScript(0.1)}
	c.judging.Store(true)
	e := newEnv(t, 0, c)
	q := e.newRunQueue(t)

	sub, _ := e.subs.Get(context.Background(), "s1")
	prob := &model.Problem{ID: "p1", TotalTestcases: 1}

	err := e.d.judgePSPS(context.Background(), sub, prob, q)
	assert.ErrorIs(t, err, worker.ErrServerBusy)
	assert.Empty(t, frames(t, q), "no frame published before a worker is caught")
}

func TestJudgePTPSPartitionAndBarrier(t *testing.T) {
	a := &fakeConn{id: "0", name: "alpha", script: okScript(0.4)}
	b := &fakeConn{id: "1", name: "beta", script: okScript(0.4)}
	e := newEnv(t, 1, a, b)
	q := e.newRunQueue(t)

	sub, _ := e.subs.Get(context.Background(), "s1")
	prob := &model.Problem{ID: "p1", TotalTestcases: 4, PointPerTestcase: 1}

	require.NoError(t, e.d.judgePTPS(context.Background(), sub, prob, q))

	fs := frames(t, q)
	counts := map[string]int{}
	for _, f := range fs {
		counts[f.Tag]++
	}
	assert.Equal(t, 1, counts["catched"])
	assert.Equal(t, 1, counts["initting"], "state changes pass the barrier once")
	assert.Equal(t, 1, counts["judging"])
	assert.Equal(t, 4, counts["result"], "both chunks fully judged")
	assert.Equal(t, 1, counts["overall"])

	seen := map[int]bool{}
	for _, f := range fs {
		if f.Tag != "result" {
			continue
		}
		var res protocol.Result
		require.NoError(t, f.Decode(&res))
		seen[res.Index] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true, 4: true}, seen)

	res := e.subs.result("s1")
	require.NotNil(t, res)
	assert.Equal(t, protocol.StatusAccepted, res.Status)
	assert.InDelta(t, 0.4, res.Time, 1e-9)
	assert.InDelta(t, 4, res.Point, 1e-9)
	assert.True(t, q.Closed())
}

func TestJudgePTPSWorstOverallWins(t *testing.T) {
	a := &fakeConn{id: "0", name: "alpha", script: okScript(0.1)}
	b := &fakeConn{id: "1", name: "beta", script: func(_ context.Context, lo, hi int, out chan<- worker.Event) {
		out <- ev(protocol.TagInitting, nil)
		out <- ev(protocol.TagJudging, nil)
		for i := lo; i <= hi; i++ {
			out <- ev(protocol.TagResult, protocol.Result{Index: i, Status: protocol.StatusWrongAnswer, Time: 0.1})
		}
		out <- ev(protocol.TagOverall, protocol.StatusWrongAnswer)
		out <- ev(protocol.TagDone, nil)
	}}
	e := newEnv(t, 1, a, b)
	q := e.newRunQueue(t)

	sub, _ := e.subs.Get(context.Background(), "s1")
	prob := &model.Problem{ID: "p1", TotalTestcases: 4}

	require.NoError(t, e.d.judgePTPS(context.Background(), sub, prob, q))

	res := e.subs.result("s1")
	require.NotNil(t, res)
	assert.Equal(t, protocol.StatusWrongAnswer, res.Status)
}

func TestJudgePTPSAborted(t *testing.T) {
	a := &fakeConn{id: "0", name: "alpha", script: func(_ context.Context, _, _ int, out chan<- worker.Event) {
		out <- ev(protocol.TagInitting, nil)
		out <- ev(protocol.TagAborted, nil)
	}}
	b := &fakeConn{id: "1", name: "beta", script: okScript(0.1)}
	e := newEnv(t, 1, a, b)
	q := e.newRunQueue(t)

	sub, _ := e.subs.Get(context.Background(), "s1")
	prob := &model.Problem{ID: "p1", TotalTestcases: 4}

	require.NoError(t, e.d.judgePTPS(context.Background(), sub, prob, q))

	res := e.subs.result("s1")
	require.NotNil(t, res)
	assert.Equal(t, protocol.StatusAborted, res.Status)
	assert.Equal(t, -1.0, res.Time)
	assert.Equal(t, [2]float64{-1, -1}, res.Memory)
	assert.Zero(t, res.Point)
	assert.True(t, q.Closed())
}

func TestDispatchUnknownSubmission(t *testing.T) {
	e := newEnv(t, 0, &fakeConn{id: "0", script: okScript(0.1)})
	q, err := e.qm.Create(QueueName("ghost", "r1"))
	require.NoError(t, err)

	e.d.dispatch(context.Background(), admission{submissionID: "ghost", msg: q})

	raw, err := q.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.JSONEq(t, `{"error": "submission not found"}`, string(raw[0]))
}

func TestReconnectRetryCapAndReset(t *testing.T) {
	e := newEnv(t, 0)
	srv := model.Server{ID: "7", Name: "gamma", URI: "ws://dead"}
	_, err := e.d.registry.Add(context.Background(), srv)
	require.NoError(t, err)

	var attempts atomic.Int64
	e.d.SetDialFunc(func(context.Context, model.Server, worker.Options) (Conn, error) {
		attempts.Add(1)
		return nil, worker.ErrConnection
	})

	require.NoError(t, e.d.FromRegistry(context.Background()))

	// MaxRetry=2: initial attempt plus two retries, then the loop parks.
	require.Eventually(t, func() bool { return attempts.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), attempts.Load())

	// Counter is left at the cap: the supervisor must not relaunch.
	cnt, ok := e.d.retryCount("7")
	require.True(t, ok)
	assert.Equal(t, 2, cnt)
	e.d.launchReconnect(srv, true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), attempts.Load())

	// External reset starts a fresh loop.
	require.NoError(t, e.d.ReconnectWithID(context.Background(), "7"))
	require.Eventually(t, func() bool { return attempts.Load() > 3 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	e := newEnv(t, 0)
	srv := model.Server{ID: "9", Name: "delta", URI: "ws://dead"}
	_, err := e.d.registry.Add(context.Background(), srv)
	require.NoError(t, err)

	block := make(chan struct{})
	var attempts atomic.Int64
	e.d.SetDialFunc(func(context.Context, model.Server, worker.Options) (Conn, error) {
		attempts.Add(1)
		<-block
		return nil, worker.ErrConnection
	})

	require.NoError(t, e.d.FromRegistry(context.Background()))
	require.Eventually(t, func() bool { return attempts.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.d.Disconnect("9"))
	close(block)

	// The loop observes the poisoned counter and abandons.
	require.Eventually(t, func() bool {
		_, ok := e.d.retryCount("9")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), attempts.Load())
}

func TestSchedulerRunsAdmittedSubmission(t *testing.T) {
	c := &fakeConn{id: "0", name: "alpha", script: okScript(0.1)}
	e := newEnv(t, 0, c)
	q := e.newRunQueue(t)

	require.NoError(t, e.d.AddSubmission(context.Background(), "s1", q))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.d.Run(ctx)

	require.Eventually(t, q.Closed, 5*time.Second, 10*time.Millisecond)

	fs := frames(t, q)
	require.NotEmpty(t, fs)
	assert.Equal(t, "waiting", fs[0].Tag)
	assert.Equal(t, "catched", fs[1].Tag)
	assert.Equal(t, "overall", fs[len(fs)-1].Tag)

	res := e.subs.result("s1")
	require.NotNil(t, res)
	assert.Equal(t, protocol.StatusAccepted, res.Status)
}

func TestAbortRun(t *testing.T) {
	started := make(chan struct{})
	c := &fakeConn{id: "0", name: "alpha", script: func(ctx context.Context, _, _ int, out chan<- worker.Event) {
		out <- ev(protocol.TagInitting, nil)
		out <- ev(protocol.TagJudging, nil)
		close(started)
		<-ctx.Done()
		out <- ev(protocol.TagAborted, nil)
	}}
	e := newEnv(t, 0, c)
	q := e.newRunQueue(t)

	require.NoError(t, e.d.AddSubmission(context.Background(), "s1", q))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.d.Run(ctx)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the judging phase")
	}
	assert.True(t, e.d.AbortRun(q.Name()))

	require.Eventually(t, q.Closed, 5*time.Second, 10*time.Millisecond)
	res := e.subs.result("s1")
	require.NotNil(t, res)
	assert.Equal(t, protocol.StatusAborted, res.Status)
}
