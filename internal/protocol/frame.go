// Package protocol defines the judge-worker wire protocol: JSON array
// framing, command and reply tags, verdict codes and the typed payloads
// exchanged during a judge run.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tags sent by the control plane.
const (
	CmdDeclareLanguage = "declare.language"
	CmdDeclareCompiler = "declare.compiler"
	CmdDeclareLoad     = "declare.load"
	CmdStatus          = "command.status"
	CmdStart           = "command.start"
	CmdInit            = "command.init"
	CmdCode            = "command.code"
	CmdTestcase        = "command.testcase"
	CmdJudger          = "command.judger"
	CmdJudge           = "command.judge"
	CmdAbort           = "command.abort"
)

// Tags received from a worker. Everything under the "judge." prefix belongs
// to the judge stream; the prefix is stripped before frames reach the
// dispatcher.
const (
	TagStatus = "status"

	JudgePrefix = "judge."

	TagInit          = "init"
	TagWriteCode     = "write:code"
	TagWriteTestcase = "write:testcase"
	TagWriteJudger   = "write:judger"
	TagCompiler      = "compiler"
	TagResult        = "result"
	TagOverall       = "overall"
	TagDone          = "done"
	TagAborted       = "aborted"
	TagErrorSystem   = "error:system"
	TagErrorCompiler = "error:compiler"

	// Synthetic tags emitted by the connection, never seen on the wire.
	TagInitting = "initting"
	TagJudging  = "judging"
	TagDebug    = "debug"
	TagClosed   = "closed"

	// Tags the dispatcher publishes to a run's progress queue.
	TagWaiting = "waiting"
	TagCatched = "catched"
)

// Frame is one wire message: a JSON array of [tag] or [tag, payload].
type Frame struct {
	Tag     string
	Payload json.RawMessage
}

// NewFrame builds a frame with a JSON-encoded payload. Marshal failures are
// a programming error on the sending side, so they surface here instead of
// being swallowed.
func NewFrame(tag string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Tag: tag, Payload: json.RawMessage("null")}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", tag, err)
	}
	return Frame{Tag: tag, Payload: raw}, nil
}

// MustFrame is NewFrame for payloads that cannot fail to encode.
func MustFrame(tag string, payload any) Frame {
	f, err := NewFrame(tag, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// MarshalJSON encodes the frame as [tag] or [tag, payload].
func (f Frame) MarshalJSON() ([]byte, error) {
	tag, err := json.Marshal(f.Tag)
	if err != nil {
		return nil, err
	}
	if f.Payload == nil {
		return []byte("[" + string(tag) + "]"), nil
	}
	return []byte("[" + string(tag) + "," + string(f.Payload) + "]"), nil
}

// UnmarshalJSON decodes a [tag, payload?] array. Frames with extra elements
// are rejected so malformed worker output is dropped loudly.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) == 0 || len(arr) > 2 {
		return fmt.Errorf("frame must have 1 or 2 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &f.Tag); err != nil {
		return fmt.Errorf("frame tag: %w", err)
	}
	f.Payload = nil
	if len(arr) == 2 {
		f.Payload = arr[1]
	}
	return nil
}

// IsJudge reports whether the frame belongs to the judge stream.
func (f Frame) IsJudge() bool {
	return strings.HasPrefix(f.Tag, JudgePrefix)
}

// JudgeTag returns the tag with the "judge." prefix stripped.
func (f Frame) JudgeTag() string {
	return strings.TrimPrefix(f.Tag, JudgePrefix)
}

// Decode unmarshals the payload into out.
func (f Frame) Decode(out any) error {
	if f.Payload == nil {
		return fmt.Errorf("frame %s has no payload", f.Tag)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Tag, err)
	}
	return nil
}

// Text returns the payload interpreted as a JSON string, falling back to the
// raw bytes for non-string payloads. Used for error and compiler texts.
func (f Frame) Text() string {
	var s string
	if err := json.Unmarshal(f.Payload, &s); err == nil {
		return s
	}
	return string(f.Payload)
}
