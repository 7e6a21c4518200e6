package worker

import "errors"

// Transport and lifecycle errors.
var (
	ErrConnection   = errors.New("judge server connection failed")
	ErrClosed       = errors.New("connection closed")
	ErrNotReceiving = errors.New("no frame received before deadline")
	ErrServerBusy   = errors.New("judge server busy")
)

// Protocol errors raised by the judge state machine. Each one fails the
// setup step it names; the run terminates with a system error.
var (
	ErrInit             = errors.New("judge init failed")
	ErrCodeWrite        = errors.New("code write failed")
	ErrTestcaseWrite    = errors.New("testcase write failed")
	ErrJudgerWrite      = errors.New("judger write failed")
	ErrTestcaseMismatch = errors.New("testcase index mismatch")
)
