package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openjudge/arbiter/internal/model"
	"github.com/openjudge/arbiter/internal/protocol"
	"github.com/openjudge/arbiter/internal/queue"
	"github.com/openjudge/arbiter/internal/worker"
)

// judgePSPS runs one submission on the first idle worker (mode 0). Returns
// worker.ErrServerBusy when no worker can take the run, in which case the
// caller re-admits the submission.
func (d *Dispatcher) judgePSPS(ctx context.Context, sub *model.Submission, prob *model.Problem, msg *queue.Queue) error {
	started := time.Now()
	// Publishing and persistence must survive a per-run abort.
	pctx := context.WithoutCancel(ctx)

	var conn Conn
	for _, c := range d.openConns() {
		if c.Judging() {
			continue
		}
		st, err := c.Status(ctx)
		if err != nil || st.Status != protocol.WorkerIdle {
			continue
		}
		conn = c
		break
	}
	if conn == nil {
		return worker.ErrServerBusy
	}

	msg.Put(pctx, protocol.MustFrame(protocol.TagCatched, conn.Name()))

	events, err := conn.Judge(ctx, sub, prob, 1, prob.TotalTestcases, true)
	if err != nil {
		return err
	}

	var (
		total   float64
		avgMem  float64
		peakMem float64
		points  float64
		warn    string
		errText string
		overall = protocol.StatusCode(-1)
	)

loop:
	for ev := range events {
		if ev.Err != nil {
			errText = ev.Err.Error()
			overall = protocol.StatusSystemError
			total, avgMem, peakMem = -1, -1, -1
			break
		}

		switch ev.Tag {
		case protocol.TagInitting, protocol.TagJudging:
			msg.Put(pctx, protocol.Frame{Tag: ev.Tag, Payload: ev.Payload})

		case protocol.TagResult:
			var res protocol.Result
			if err := json.Unmarshal(ev.Payload, &res); err != nil {
				d.log.Error("undecodable result frame", "submission", sub.ID, "error", err)
				continue
			}
			points += res.Point
			total += res.Time
			avgMem += res.Memory[0]
			peakMem += res.Memory[1]
			msg.Put(pctx, protocol.MustFrame(protocol.TagResult, res))

		case protocol.TagOverall:
			var code protocol.StatusCode
			if err := json.Unmarshal(ev.Payload, &code); err == nil {
				overall = code
			}

		case protocol.TagCompiler:
			warn = protocol.Frame{Payload: ev.Payload}.Text()

		case protocol.TagErrorSystem, protocol.TagErrorCompiler:
			errText = protocol.Frame{Payload: ev.Payload}.Text()
			overall = protocol.StatusSystemError
			if ev.Tag == protocol.TagErrorCompiler {
				overall = protocol.StatusCompileError
			}
			total, avgMem, peakMem = -1, -1, -1
			break loop

		case protocol.TagAborted:
			overall = protocol.StatusAborted
			total, avgMem, peakMem = -1, -1, -1
			break loop

		case protocol.TagDone:
			break loop
		}
	}

	if overall < 0 {
		// The stream ended without a verdict.
		overall = protocol.StatusSystemError
	}

	n := float64(prob.TotalTestcases)
	result := &model.SubmissionResult{
		Status: overall,
		Warn:   warn,
		Error:  errText,
		Time:   meanOrUnmeasured(total, n),
		Memory: [2]float64{meanOrUnmeasured(avgMem, n), meanOrUnmeasured(peakMem, n)},
		Point:  points,
	}

	sub.Result = result
	if err := d.subs.Update(pctx, sub.ID, sub); err != nil {
		d.log.Error("submission update failed", "submission", sub.ID, "error", err)
	}

	msg.Put(pctx, protocol.MustFrame(protocol.TagOverall, result))
	d.finishRun(pctx, msg, result.Status, started)
	return nil
}

// meanOrUnmeasured averages an accumulator over n testcases, preserving the
// -1 unmeasured marker.
func meanOrUnmeasured(sum, n float64) float64 {
	if sum == -1 || n == 0 {
		return -1
	}
	return sum / n
}
