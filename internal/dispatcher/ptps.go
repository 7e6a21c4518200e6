package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openjudge/arbiter/internal/model"
	"github.com/openjudge/arbiter/internal/protocol"
	"github.com/openjudge/arbiter/internal/queue"
	"github.com/openjudge/arbiter/internal/worker"
)

// judgePTPS splits one submission's testcases across every open worker
// (mode 1) and folds the merged verdict streams into a single result.
func (d *Dispatcher) judgePTPS(ctx context.Context, sub *model.Submission, prob *model.Problem, msg *queue.Queue) error {
	started := time.Now()
	// Publishing and persistence must survive a per-run abort.
	pctx := context.WithoutCancel(ctx)

	conns := d.openConns()
	if len(conns) == 0 {
		return worker.ErrServerBusy
	}

	msg.Put(pctx, protocol.MustFrame(protocol.TagCatched, nil))

	chunks := Partition(prob.TotalTestcases, len(conns))
	merged := make(chan worker.Event, mergeBuffer)

	var wg sync.WaitGroup
	participants := 0
	for i, chunk := range chunks {
		if chunk.Empty() {
			continue
		}
		participants++
		wg.Add(1)
		go func(c Conn, ch Chunk) {
			defer wg.Done()
			events, err := c.Judge(ctx, sub, prob, ch.Lo, ch.Hi, true)
			if err != nil {
				merged <- worker.Event{Err: fmt.Errorf("server %s: %w", c.ID(), err)}
				return
			}
			for ev := range events {
				merged <- ev
			}
		}(conns[i], chunk)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	var (
		barrier  = make(map[string]int)
		warns    = make(map[string]struct{})
		errTexts = make(map[string]struct{})
		overalls []protocol.StatusCode
		aborted  bool

		total   float64
		avgMem  float64
		peakMem float64
		points  float64
	)

	for ev := range merged {
		if ev.Err != nil {
			errTexts[ev.Err.Error()] = struct{}{}
			continue
		}

		switch ev.Tag {
		case protocol.TagInitting, protocol.TagJudging:
			// One state-change frame per phase, released when every
			// participant has reported it.
			barrier[ev.Tag]++
			if barrier[ev.Tag] == participants {
				msg.Put(pctx, protocol.Frame{Tag: ev.Tag, Payload: ev.Payload})
				delete(barrier, ev.Tag)
			}

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
				overalls = append(overalls, code)
			}

		case protocol.TagCompiler:
			warns[protocol.Frame{Payload: ev.Payload}.Text()] = struct{}{}

		case protocol.TagErrorSystem:
			overalls = append(overalls, protocol.StatusSystemError)
			errTexts[protocol.Frame{Payload: ev.Payload}.Text()] = struct{}{}

		case protocol.TagErrorCompiler:
			overalls = append(overalls, protocol.StatusCompileError)
			errTexts[protocol.Frame{Payload: ev.Payload}.Text()] = struct{}{}

		case protocol.TagAborted:
			aborted = true

		case protocol.TagDone, protocol.TagDebug:
		}
	}

	var result *model.SubmissionResult
	if aborted {
		result = &model.SubmissionResult{
			Status: protocol.StatusAborted,
			Time:   -1,
			Memory: [2]float64{-1, -1},
		}
	} else {
		status := protocol.StatusCode(-1)
		for _, code := range overalls {
			if code > status {
				status = code
			}
		}
		if len(errTexts) > 0 || status < 0 {
			status = protocol.StatusSystemError
		}

		n := float64(prob.TotalTestcases)
		result = &model.SubmissionResult{
			Status: status,
			Warn:   joinSet(warns),
			Error:  joinSet(errTexts),
			Time:   meanOrUnmeasured(total, n),
			Memory: [2]float64{meanOrUnmeasured(avgMem, n), meanOrUnmeasured(peakMem, n)},
			Point:  points,
		}
	}

	sub.Result = result
	if err := d.subs.Update(pctx, sub.ID, sub); err != nil {
		d.log.Error("submission update failed", "submission", sub.ID, "error", err)
	}

	msg.Put(pctx, protocol.MustFrame(protocol.TagOverall, result))
	d.finishRun(pctx, msg, result.Status, started)
	return nil
}

func joinSet(set map[string]struct{}) string {
	if len(set) == 0 {
		return ""
	}
	parts := make([]string, 0, len(set))
	for s := range set {
		parts = append(parts, s)
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}
