package protocol

// StatusCode is a per-testcase verdict and the overall summary of a run.
// Values are ordered so that worse outcomes compare greater, which is the
// tie-break rule when aggregating per-worker overalls.
type StatusCode int

const (
	StatusAccepted StatusCode = iota
	StatusCompileWarn
	StatusWrongAnswer
	StatusTimeLimitExceeded
	StatusMemoryLimitExceeded
	StatusRuntimeError
	StatusCompileError
	StatusSystemError
	StatusAborted
)

var statusNames = map[StatusCode]string{
	StatusAccepted:            "ACCEPTED",
	StatusCompileWarn:         "COMPILE_WARN",
	StatusWrongAnswer:         "WRONG_ANSWER",
	StatusTimeLimitExceeded:   "TIME_LIMIT_EXCEEDED",
	StatusMemoryLimitExceeded: "MEMORY_LIMIT_EXCEEDED",
	StatusRuntimeError:        "RUNTIME_ERROR",
	StatusCompileError:        "COMPILE_ERROR",
	StatusSystemError:         "SYSTEM_ERROR",
	StatusAborted:             "ABORTED",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Worse returns the greater of the two codes.
func (s StatusCode) Worse(other StatusCode) StatusCode {
	if other > s {
		return other
	}
	return s
}
