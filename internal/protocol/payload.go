package protocol

import (
	"encoding/json"
	"fmt"
)

// Pair is a (name, version) tuple for languages and compilers. It travels as
// a two-element JSON array; a missing version is null on the wire.
type Pair struct {
	Name    string
	Version string
}

func (p Pair) MarshalJSON() ([]byte, error) {
	if p.Version == "" {
		return json.Marshal([]any{p.Name, nil})
	}
	return json.Marshal([]any{p.Name, p.Version})
}

func (p *Pair) UnmarshalJSON(data []byte) error {
	var arr []*string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 || arr[0] == nil {
		return fmt.Errorf("pair must be [name, version], got %s", data)
	}
	p.Name = *arr[0]
	p.Version = ""
	if arr[1] != nil {
		p.Version = *arr[1]
	}
	return nil
}

// Limit holds the per-testcase resource limits of a problem.
type Limit struct {
	TimeMS   int `json:"time_ms"`
	MemoryKB int `json:"mem_kb"`
	StackKB  int `json:"stack_kb,omitempty"`
	OutputKB int `json:"output_kb,omitempty"`
}

// JudgeMode describes how the worker compares output: mode 0 is exact
// comparison, mode 1 runs the problem's custom judger.
type JudgeMode struct {
	Mode      int  `json:"mode"`
	TrimSpace bool `json:"trim_space,omitempty"`
}

// InitPayload is the body of command.init, describing one judge session.
type InitPayload struct {
	SubmissionID string    `json:"submission_id"`
	Language     Pair      `json:"language"`
	Compiler     Pair      `json:"compiler"`
	TestRange    [2]int    `json:"test_range"`
	TestFile     [2]string `json:"test_file"`
	TestType     string    `json:"test_type"`
	JudgeMode    JudgeMode `json:"judge_mode"`
	Point        float64   `json:"point"`
	Limit        Limit     `json:"limit"`
}

// Ack is the reply to command.init and the command.* write steps. Status 0
// means success; the index echoes the testcase number on write:testcase.
type Ack struct {
	Status int    `json:"status"`
	Index  int    `json:"index,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result is one per-testcase verdict from the worker. Memory is
// (average_kb, peak_kb).
type Result struct {
	Index  int        `json:"index"`
	Status StatusCode `json:"status"`
	Time   float64    `json:"time"`
	Memory [2]float64 `json:"memory"`
	Point  float64    `json:"point"`
}

// WorkerStatus is the reply to command.status.
type WorkerStatus struct {
	Status string `json:"status"`
}

// Known worker status values. Paused and closed are reported locally by the
// connection, not by the worker.
const (
	WorkerIdle   = "idle"
	WorkerBusy   = "busy"
	WorkerPaused = "paused"
	WorkerClosed = "closed"
)
