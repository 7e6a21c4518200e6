// Package model holds the persisted records of the control plane: problems,
// submissions, judge servers, users, roles and run transcripts.
package model

import (
	"time"

	"github.com/openjudge/arbiter/internal/protocol"
)

// Test kinds accepted by a worker.
const (
	TestTypeStd  = "std"
	TestTypeFile = "file"
)

// Problem is a stored programming problem. Its data directory carries
// testcases/<i>/<input>|<output> for i in [1..TotalTestcases] and optionally
// a judger.py used in custom judge mode.
type Problem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	TotalTestcases int       `json:"total_testcases"`
	TestType       string    `json:"test_type"`
	TestName       [2]string `json:"test_name"`

	AcceptLanguage   []string           `json:"accept_language"`
	Limit            protocol.Limit     `json:"limit"`
	Mode             protocol.JudgeMode `json:"mode"`
	PointPerTestcase float64            `json:"point_per_testcase"`
	Judger           string             `json:"judger,omitempty"`

	Roles []string `json:"roles"`

	By        string    `json:"by"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`
}

// Public reports whether the problem is visible to everyone.
func (p *Problem) Public() bool {
	for _, r := range p.Roles {
		if r == "@everyone" {
			return true
		}
	}
	return false
}

// Accepts reports whether the language is on the problem's accept list.
func (p *Problem) Accepts(lang string) bool {
	for _, l := range p.AcceptLanguage {
		if l == lang {
			return true
		}
	}
	return false
}

// SubmissionResult is the final outcome of one judge run. -1 marks resources
// that were never measured (system error, compile error, abort).
type SubmissionResult struct {
	Status protocol.StatusCode `json:"status"`
	Warn   string              `json:"warn"`
	Error  string              `json:"error"`
	Time   float64             `json:"time"`
	Memory [2]float64          `json:"memory"`
	Point  float64             `json:"point"`
}

// Submission is one submitted solution. Code is written to FilePath at
// creation and cleared from the record; exactly one source file exists on
// disk per submission.
type Submission struct {
	ID       string        `json:"id"`
	Problem  string        `json:"problem"`
	Language protocol.Pair `json:"lang"`
	Compiler protocol.Pair `json:"compiler"`
	Code     string        `json:"code,omitempty"`

	By        string            `json:"by"`
	Dir       string            `json:"dir"`
	FilePath  string            `json:"file_path"`
	CreatedAt time.Time         `json:"created_at"`
	Result    *SubmissionResult `json:"result,omitempty"`
}

// Server describes one judge-worker endpoint.
type Server struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// SubmissionLog is the persisted transcript of one run, replayed to
// subscribers after the live queue is gone.
type SubmissionLog struct {
	ID         string    `json:"id"`
	Submission string    `json:"submission"`
	Logs       []Message `json:"logs"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is one transcript entry as published to a run's queue:
// a [status, data?] pair.
type Message = protocol.Frame

// User is a registered account. Password handling is external to the core.
type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Password    string    `json:"password"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role groups permissions under a name.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}
