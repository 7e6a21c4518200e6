package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openjudge/arbiter/internal/model"
	"github.com/openjudge/arbiter/internal/protocol"
	"github.com/openjudge/arbiter/internal/store"
)

// Judge drives one run of the judge protocol for testcases [lo, hi] and
// returns its event stream. The stream carries the synthetic initting and
// judging markers, the worker's judge.* frames with the prefix stripped, and
// finally either done, aborted or an Event with Err set. Cancelling ctx
// aborts the run: the connection sends command.abort and the stream ends
// with an aborted event.
func (c *Connection) Judge(ctx context.Context, sub *model.Submission, prob *model.Problem, lo, hi int, skipDebug bool) (<-chan Event, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	if st.Status == protocol.WorkerBusy || !c.judging.CompareAndSwap(false, true) {
		return nil, ErrServerBusy
	}

	c.debugMu.Lock()
	c.debug = nil
	c.debugMu.Unlock()

	events := make(chan Event, eventBuffer)
	go c.runJudge(ctx, sub, prob, lo, hi, skipDebug, events)
	return events, nil
}

func (c *Connection) runJudge(ctx context.Context, sub *model.Submission, prob *model.Problem, lo, hi int, skipDebug bool, events chan<- Event) {
	defer c.judging.Store(false)
	defer close(events)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		c.log.Warn("judge run failed", "submission", sub.ID, "error", err)
		emit(Event{Err: err})
	}

	emit(Event{Tag: protocol.TagInitting})

	if err := c.send(protocol.MustFrame(protocol.CmdStart, nil)); err != nil {
		fail(err)
		return
	}
	if err := c.stepInit(ctx, sub, prob, lo, hi); err != nil {
		fail(err)
		return
	}
	if err := c.stepCode(ctx, sub); err != nil {
		fail(err)
		return
	}
	if err := c.stepTestcases(ctx, prob, lo, hi); err != nil {
		fail(err)
		return
	}
	if err := c.stepJudger(ctx, prob); err != nil {
		fail(err)
		return
	}

	emit(Event{Tag: protocol.TagJudging})
	if err := c.send(protocol.MustFrame(protocol.CmdJudge, nil)); err != nil {
		fail(err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			// Abort is best-effort: the transport may already be gone.
			c.send(protocol.Frame{Tag: protocol.CmdAbort})
			c.debugNote("aborted")
			// The caller cancelled; a stalled consumer with a full buffer
			// must not pin this goroutine.
			select {
			case events <- Event{Tag: protocol.TagAborted}:
			default:
			}
			return

		case <-c.done:
			fail(ErrClosed)
			return

		case f := <-c.judgeCh:
			if f.Tag == protocol.TagClosed {
				fail(ErrClosed)
				return
			}

			switch tag := f.JudgeTag(); tag {
			case protocol.TagErrorSystem, protocol.TagErrorCompiler,
				protocol.TagCompiler, protocol.TagResult, protocol.TagOverall:
				if !emit(Event{Tag: tag, Payload: f.Payload}) {
					continue // cancelled; loop to flush command.abort
				}

			case protocol.TagDone:
				emit(Event{Tag: protocol.TagDone})
				return

			case protocol.TagAborted:
				emit(Event{Tag: protocol.TagAborted})
				return

			default:
				c.debugNote(f.Tag)
				if !skipDebug {
					emit(Event{Tag: protocol.TagDebug, Payload: f.Payload})
				}
			}
		}
	}
}

func (c *Connection) stepInit(ctx context.Context, sub *model.Submission, prob *model.Problem, lo, hi int) error {
	init := protocol.InitPayload{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		Compiler:     sub.Compiler,
		TestRange:    [2]int{lo, hi},
		TestFile:     prob.TestName,
		TestType:     prob.TestType,
		JudgeMode:    prob.Mode,
		Point:        prob.PointPerTestcase,
		Limit:        prob.Limit,
	}
	if err := c.send(protocol.MustFrame(protocol.CmdInit, init)); err != nil {
		return err
	}

	ack, err := c.awaitAck(ctx, protocol.TagInit)
	if err != nil {
		return err
	}
	if ack.Status != 0 {
		return fmt.Errorf("%w: %s", ErrInit, ack.Error)
	}
	c.debugNote("initialized")
	return nil
}

func (c *Connection) stepCode(ctx context.Context, sub *model.Submission) error {
	code, err := os.ReadFile(sub.FilePath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if err := c.send(protocol.MustFrame(protocol.CmdCode, []string{string(code)})); err != nil {
		return err
	}

	ack, err := c.awaitAck(ctx, protocol.TagWriteCode)
	if err != nil {
		return err
	}
	if ack.Status != 0 {
		return fmt.Errorf("%w: %s", ErrCodeWrite, ack.Error)
	}
	c.debugNote("written:code")
	return nil
}

func (c *Connection) stepTestcases(ctx context.Context, prob *model.Problem, lo, hi int) error {
	for i := lo; i <= hi; i++ {
		inPath, outPath := store.TestcasePaths(prob, i)
		input, err := os.ReadFile(inPath)
		if err != nil {
			return fmt.Errorf("read testcase %d input: %w", i, err)
		}
		output, err := os.ReadFile(outPath)
		if err != nil {
			return fmt.Errorf("read testcase %d output: %w", i, err)
		}
		if len(input) == 0 && len(output) == 0 {
			c.log.Warn("testcase is empty", "problem", prob.ID, "index", i)
		}

		f := protocol.MustFrame(protocol.CmdTestcase, []any{i, string(input), string(output)})
		if err := c.send(f); err != nil {
			return err
		}

		ack, err := c.awaitAck(ctx, protocol.TagWriteTestcase)
		if err != nil {
			return err
		}
		if ack.Status != 0 {
			return fmt.Errorf("%w: testcase %d: %s", ErrTestcaseWrite, i, ack.Error)
		}
		if ack.Index != i {
			return fmt.Errorf("%w: expect %d, got %d", ErrTestcaseMismatch, i, ack.Index)
		}
		c.debugNote(fmt.Sprintf("written:testcase %d", i))
	}
	return nil
}

func (c *Connection) stepJudger(ctx context.Context, prob *model.Problem) error {
	source := prob.Judger
	if source == "" {
		path, ok := store.JudgerPath(prob)
		if !ok {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read judger: %w", err)
		}
		source = string(data)
	}

	if err := c.send(protocol.MustFrame(protocol.CmdJudger, source)); err != nil {
		return err
	}

	ack, err := c.awaitAck(ctx, protocol.TagWriteJudger)
	if err != nil {
		return err
	}
	if ack.Status != 0 {
		return fmt.Errorf("%w: %s", ErrJudgerWrite, ack.Error)
	}
	c.debugNote("written:judger")
	return nil
}

// awaitAck waits for the next judge-stream frame and decodes its ack,
// verifying the reply tag matches the step that is waiting.
func (c *Connection) awaitAck(ctx context.Context, wantTag string) (protocol.Ack, error) {
	for {
		select {
		case f := <-c.judgeCh:
			if f.Tag == protocol.TagClosed {
				return protocol.Ack{}, ErrClosed
			}
			if f.JudgeTag() != wantTag {
				// Stray frame from a previous run; trace and keep waiting.
				c.debugNote("stray " + f.Tag)
				continue
			}
			var ack protocol.Ack
			if err := f.Decode(&ack); err != nil {
				return protocol.Ack{}, err
			}
			return ack, nil

		case <-ctx.Done():
			return protocol.Ack{}, ctx.Err()
		case <-c.done:
			return protocol.Ack{}, ErrClosed
		case <-time.After(c.opts.RecvTimeout):
			return protocol.Ack{}, fmt.Errorf("%w: awaiting %s", ErrNotReceiving, wantTag)
		}
	}
}
