// Package dispatcher owns the judge worker pool and the admission queue:
// connect/reconnect with capped retry, heartbeat-driven supervision, and the
// two scheduling policies that fan submissions out to workers and fold their
// verdict streams into a final result.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openjudge/arbiter/internal/metrics"
	"github.com/openjudge/arbiter/internal/model"
	"github.com/openjudge/arbiter/internal/protocol"
	"github.com/openjudge/arbiter/internal/queue"
	"github.com/openjudge/arbiter/internal/store"
	"github.com/openjudge/arbiter/internal/worker"
)

const (
	idlePoll        = time.Second
	admissionBuffer = 256
	mergeBuffer     = 64
)

var (
	ErrAlreadyConnected = errors.New("judge server already connected")
	ErrNotConnected     = errors.New("judge server not connected")
	ErrAdmissionFull    = errors.New("admission queue full")
	ErrInvalidMode      = errors.New("invalid judge mode")
)

// Conn is the slice of worker.Connection the dispatcher needs. Tests swap in
// scripted fakes through DialFunc.
type Conn interface {
	ID() string
	Name() string
	URI() string
	Close() error
	Closed() bool
	Judging() bool
	Paused() bool
	Pause()
	Resume()
	Status(ctx context.Context) (protocol.WorkerStatus, error)
	Judge(ctx context.Context, sub *model.Submission, prob *model.Problem, lo, hi int, skipDebug bool) (<-chan worker.Event, error)
}

// DialFunc opens one worker session. The default wraps worker.Dial.
type DialFunc func(ctx context.Context, srv model.Server, opts worker.Options) (Conn, error)

func defaultDial(ctx context.Context, srv model.Server, opts worker.Options) (Conn, error) {
	return worker.Dial(ctx, srv, opts)
}

// Registry is the persistent judge-server roster.
type Registry interface {
	List(ctx context.Context) ([]model.Server, error)
	Get(ctx context.Context, id string) (model.Server, error)
	Add(ctx context.Context, srv model.Server) (model.Server, error)
	Remove(ctx context.Context, id string) error
}

// TranscriptStore persists the full frame transcript of a finished run.
type TranscriptStore interface {
	Dump(ctx context.Context, submissionID, runID string, frames []model.Message) error
}

// Options are the dispatcher's tunables, read from the judge section of the
// config.
type Options struct {
	Mode              int
	ReconnectTimeout  time.Duration
	RecvTimeout       time.Duration
	HeartbeatInterval time.Duration
	MaxRetry          int

	// SkipConnCheck lets the scheduler pop admissions with an empty pool
	// instead of parking until a worker appears.
	SkipConnCheck bool

	Worker worker.Options
}

type admission struct {
	submissionID string
	msg          *queue.Queue
}

// Dispatcher is the control plane core: pool map, retry table, admission
// channel and the scheduler/supervisor pair started by Run.
type Dispatcher struct {
	opts     Options
	log      *slog.Logger
	dial     DialFunc
	registry Registry
	subs     store.SubmissionStore
	probs    store.ProblemStore
	logs     TranscriptStore
	met      *metrics.Set

	mu    sync.Mutex
	conns map[string]Conn
	// retry holds per-worker reconnect counters. Presence means a reconnect
	// loop owns (or owned) the slot: -1 cancels a pending retry, a value at
	// MaxRetry parks the worker until an external reset.
	retry map[string]int
	runs  map[string]context.CancelFunc

	admitCh  chan admission
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a dispatcher. met may be nil when instrumentation is off.
func New(opts Options, registry Registry, subs store.SubmissionStore, probs store.ProblemStore, logs TranscriptStore, met *metrics.Set) *Dispatcher {
	return &Dispatcher{
		opts:     opts,
		log:      slog.With("component", "dispatcher"),
		dial:     defaultDial,
		registry: registry,
		subs:     subs,
		probs:    probs,
		logs:     logs,
		met:      met,
		conns:    make(map[string]Conn),
		retry:    make(map[string]int),
		runs:     make(map[string]context.CancelFunc),
		admitCh:  make(chan admission, admissionBuffer),
		stopCh:   make(chan struct{}),
	}
}

// SetDialFunc replaces the transport factory. Test hook.
func (d *Dispatcher) SetDialFunc(fn DialFunc) { d.dial = fn }

// QueueName builds the progress-queue key for one run.
func QueueName(submissionID, runID string) string {
	return "judge::" + submissionID + ":" + runID
}

// ParseQueueName splits a progress-queue key back into its parts.
func ParseQueueName(name string) (submissionID, runID string, ok bool) {
	rest, found := strings.CutPrefix(name, "judge::")
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func (d *Dispatcher) stopping() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// Stop signals every loop to exit and tears down the pool. Blocks until all
// background tasks finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })

	d.mu.Lock()
	for name, cancel := range d.runs {
		cancel()
		delete(d.runs, name)
	}
	conns := make([]Conn, 0, len(d.conns))
	for _, c := range d.conns {
		if c != nil {
			conns = append(conns, c)
		}
	}
	d.conns = make(map[string]Conn)
	d.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	d.wg.Wait()
}

// openConns snapshots the non-closed connections ordered by id.
func (d *Dispatcher) openConns() []Conn {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Conn, 0, len(d.conns))
	for _, c := range d.conns {
		if c != nil && !c.Closed() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (d *Dispatcher) conn(id string) (Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[id]
	return c, ok && c != nil
}

func (d *Dispatcher) updateGauge() {
	if d.met == nil {
		return
	}
	d.met.WorkersConnected.Set(float64(len(d.openConns())))
}

// Connect is the synchronous, no-retry add path. Duplicate URIs are
// rejected.
func (d *Dispatcher) Connect(ctx context.Context, srv model.Server) error {
	d.mu.Lock()
	for _, c := range d.conns {
		if c != nil && !c.Closed() && c.URI() == srv.URI {
			d.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyConnected, srv.URI)
		}
	}
	d.mu.Unlock()

	c, err := d.dial(ctx, srv, d.opts.Worker)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.conns[srv.ID] = c
	delete(d.retry, srv.ID)
	d.mu.Unlock()
	d.updateGauge()
	return nil
}

// Disconnect closes a worker and cancels any pending retry for it by
// poisoning its counter.
func (d *Dispatcher) Disconnect(id string) error {
	d.mu.Lock()
	c, ok := d.conns[id]
	if !ok {
		// No live connection; a pending retry can still be cancelled.
		if _, retrying := d.retry[id]; !retrying {
			d.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotConnected, id)
		}
		d.retry[id] = -1
		d.mu.Unlock()
		return nil
	}
	delete(d.conns, id)
	d.retry[id] = -1
	d.mu.Unlock()

	if c != nil {
		c.Close()
	}
	d.updateGauge()
	return nil
}

// ReconnectWithID resets the retry counter for a registered server and
// launches a fresh reconnect loop.
func (d *Dispatcher) ReconnectWithID(ctx context.Context, id string) error {
	srv, err := d.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.retry, id)
	c := d.conns[id]
	delete(d.conns, id)
	d.mu.Unlock()
	if c != nil {
		c.Close()
	}

	d.launchReconnect(srv, true)
	return nil
}

// AddServer persists a new descriptor and connects to it.
func (d *Dispatcher) AddServer(ctx context.Context, srv model.Server) (model.Server, error) {
	d.mu.Lock()
	if c, ok := d.conns[srv.ID]; ok && c != nil && !c.Closed() {
		d.mu.Unlock()
		return model.Server{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, srv.ID)
	}
	delete(d.retry, srv.ID)
	d.mu.Unlock()

	stored, err := d.registry.Add(ctx, srv)
	if err != nil {
		return model.Server{}, err
	}
	d.launchReconnect(stored, false)
	return stored, nil
}

// RemoveServer disconnects a worker and drops it from the roster.
func (d *Dispatcher) RemoveServer(ctx context.Context, id string) error {
	if err := d.Disconnect(id); err != nil {
		return err
	}
	return d.registry.Remove(ctx, id)
}

func (d *Dispatcher) Pause(id string) error {
	c, ok := d.conn(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	c.Pause()
	return nil
}

func (d *Dispatcher) Resume(id string) error {
	c, ok := d.conn(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	c.Resume()
	return nil
}

// ServerStatus is one pool entry as reported to the REST surface.
type ServerStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URI    string `json:"uri"`
	Status string `json:"status"`
}

// Status reports every pool entry, including closed ones.
func (d *Dispatcher) Status(ctx context.Context) []ServerStatus {
	d.mu.Lock()
	conns := make([]Conn, 0, len(d.conns))
	for _, c := range d.conns {
		if c != nil {
			conns = append(conns, c)
		}
	}
	d.mu.Unlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })

	out := make([]ServerStatus, 0, len(conns))
	for _, c := range conns {
		st, err := c.Status(ctx)
		if err != nil {
			st = protocol.WorkerStatus{Status: protocol.WorkerClosed}
		}
		out = append(out, ServerStatus{ID: c.ID(), Name: c.Name(), URI: c.URI(), Status: st.Status})
	}
	return out
}

// FromRegistry launches a retrying connect for every registered server.
func (d *Dispatcher) FromRegistry(ctx context.Context) error {
	servers, err := d.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, srv := range servers {
		d.launchReconnect(srv, true)
	}
	return nil
}

// launchReconnect starts the per-worker reconnect loop unless one already
// owns the slot.
func (d *Dispatcher) launchReconnect(srv model.Server, retry bool) {
	if retry {
		d.mu.Lock()
		if cnt, ok := d.retry[srv.ID]; ok {
			d.mu.Unlock()
			if cnt >= 0 && cnt < d.opts.MaxRetry {
				d.log.Error("already reconnecting", "server", srv.ID)
			}
			return
		}
		d.retry[srv.ID] = 0
		d.mu.Unlock()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reconnectLoop(srv, retry)
	}()
}

func (d *Dispatcher) retryCount(id string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cnt, ok := d.retry[id]
	return cnt, ok
}

// reconnectLoop attempts connect() until success, cancellation, global stop
// or the retry cap.
func (d *Dispatcher) reconnectLoop(srv model.Server, retry bool) {
	for !d.stopping() {
		if retry {
			if cnt, ok := d.retryCount(srv.ID); ok && cnt == -1 {
				d.mu.Lock()
				delete(d.retry, srv.ID)
				d.mu.Unlock()
				d.log.Warn("cancelled connect request", "server", srv.ID)
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.opts.RecvTimeout)
		c, err := d.dial(ctx, srv, d.opts.Worker)
		cancel()
		if err == nil {
			d.mu.Lock()
			if old := d.conns[srv.ID]; old != nil && !old.Closed() {
				// Someone beat us to the slot.
				d.mu.Unlock()
				c.Close()
				return
			}
			d.conns[srv.ID] = c
			delete(d.retry, srv.ID)
			d.mu.Unlock()
			d.log.Info("judge server connected", "server", srv.ID, "uri", srv.URI)
			d.updateGauge()
			return
		}

		if !retry {
			d.log.Error("connect failed", "server", srv.ID, "uri", srv.URI, "error", err)
			return
		}

		d.mu.Lock()
		cnt := d.retry[srv.ID]
		if cnt == -1 {
			d.mu.Unlock()
			continue // cancelled during the attempt; next pass cleans up
		}
		if cnt >= d.opts.MaxRetry {
			d.mu.Unlock()
			d.log.Error("retry limit reached", "server", srv.ID, "uri", srv.URI)
			return
		}
		d.retry[srv.ID] = cnt + 1
		d.mu.Unlock()

		if d.met != nil {
			d.met.Reconnects.Inc()
		}
		d.log.Error("reconnect failed, will retry",
			"server", srv.ID, "in", d.opts.ReconnectTimeout, "error", err)

		select {
		case <-d.stopCh:
			return
		case <-time.After(d.opts.ReconnectTimeout):
		}
	}
}

// supervise relaunches a reconnect loop for every closed worker that is not
// already being retried.
func (d *Dispatcher) supervise(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		var dead []Conn
		for id, c := range d.conns {
			if c == nil || !c.Closed() {
				continue
			}
			if _, retrying := d.retry[id]; retrying {
				continue
			}
			dead = append(dead, c)
		}
		d.mu.Unlock()

		for _, c := range dead {
			d.log.Warn("judge server is closed, reconnecting", "server", c.ID())
			d.launchReconnect(model.Server{ID: c.ID(), Name: c.Name(), URI: c.URI()}, true)
		}
		d.updateGauge()
	}
}

// AddSubmission pushes one run into the admission queue and tells the caller
// it is waiting.
func (d *Dispatcher) AddSubmission(ctx context.Context, submissionID string, msg *queue.Queue) error {
	if err := msg.Put(ctx, protocol.Frame{Tag: protocol.TagWaiting}); err != nil {
		return err
	}

	select {
	case d.admitCh <- admission{submissionID: submissionID, msg: msg}:
	default:
		return ErrAdmissionFull
	}

	if d.met != nil {
		d.met.SubmissionsAdmitted.Inc()
		d.met.QueueDepth.Set(float64(len(d.admitCh)))
	}
	return nil
}

// AbortRun cancels an in-flight run by its queue name. Reports whether a run
// was found.
func (d *Dispatcher) AbortRun(queueName string) bool {
	d.mu.Lock()
	cancel, ok := d.runs[queueName]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Run starts the supervisor and drives the scheduling loop until ctx is
// cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	d.wg.Add(1)
	go d.supervise(ctx)
	d.schedule(ctx)
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	case <-time.After(dur):
		return true
	}
}

func (d *Dispatcher) schedule(ctx context.Context) {
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		if len(d.openConns()) == 0 && !d.opts.SkipConnCheck {
			if !warned {
				d.log.Warn("no judge servers connected, scheduler parked")
				warned = true
			}
			if !d.sleep(ctx, idlePoll) {
				return
			}
			continue
		}
		if warned {
			d.log.Info("judge server available, scheduler resumed")
			warned = false
		}

		if !d.free(ctx) {
			if !d.sleep(ctx, idlePoll) {
				return
			}
			continue
		}

		select {
		case adm := <-d.admitCh:
			if d.met != nil {
				d.met.QueueDepth.Set(float64(len(d.admitCh)))
			}
			d.dispatch(ctx, adm)
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-time.After(idlePoll):
		}
	}
}

// free reports whether the pool can take one more run under the current
// mode: mode 0 needs any idle connection, mode 1 needs every open
// connection idle.
func (d *Dispatcher) free(ctx context.Context) bool {
	conns := d.openConns()
	if len(conns) == 0 {
		return d.opts.SkipConnCheck
	}

	anyIdle, allIdle := false, true
	for _, c := range conns {
		st, err := c.Status(ctx)
		if err != nil || st.Status != protocol.WorkerIdle {
			allIdle = false
			continue
		}
		anyIdle = true
	}

	if d.opts.Mode == 0 {
		return anyIdle
	}
	return allIdle
}

func (d *Dispatcher) dispatch(ctx context.Context, adm admission) {
	sub, err := d.subs.Get(ctx, adm.submissionID)
	if err != nil {
		adm.msg.Put(ctx, map[string]string{"error": "submission not found"})
		return
	}
	prob, err := d.probs.Get(ctx, sub.Problem)
	if err != nil {
		adm.msg.Put(ctx, map[string]string{"error": "problem not found"})
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.runs[adm.msg.Name()] = cancel
	d.mu.Unlock()

	finish := func(err error) {
		d.mu.Lock()
		delete(d.runs, adm.msg.Name())
		d.mu.Unlock()
		cancel()

		if errors.Is(err, worker.ErrServerBusy) {
			// The pool filled up between the free() check and the run.
			select {
			case d.admitCh <- adm:
			default:
				adm.msg.Put(ctx, map[string]string{"error": "admission queue full"})
			}
		}
	}

	switch d.opts.Mode {
	case 0:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			finish(d.judgePSPS(runCtx, sub, prob, adm.msg))
		}()
	case 1:
		finish(d.judgePTPS(runCtx, sub, prob, adm.msg))
	default:
		adm.msg.Put(ctx, map[string]string{"error": ErrInvalidMode.Error()})
		cancel()
	}
}

// finishRun persists the transcript and closes the progress queue. Every run
// exits through here exactly once.
func (d *Dispatcher) finishRun(ctx context.Context, msg *queue.Queue, status protocol.StatusCode, started time.Time) {
	if sid, runID, ok := ParseQueueName(msg.Name()); ok && d.logs != nil {
		raw, err := msg.GetAll(ctx)
		if err != nil {
			d.log.Error("transcript read failed", "queue", msg.Name(), "error", err)
		} else {
			frames := make([]model.Message, 0, len(raw))
			for _, data := range raw {
				var f protocol.Frame
				if err := f.UnmarshalJSON(data); err != nil {
					continue // non-frame entries stay in the durable list only
				}
				frames = append(frames, f)
			}
			if err := d.logs.Dump(ctx, sid, runID, frames); err != nil {
				d.log.Error("transcript dump failed", "queue", msg.Name(), "error", err)
			}
		}
	}

	msg.Close()

	if d.met != nil {
		d.met.RunsCompleted.WithLabelValues(status.String()).Inc()
		d.met.RunDuration.Observe(time.Since(started).Seconds())
	}
}
