package espat

// Result is the outcome of an AT command or API call, reported synchronously
// to non-blocking callers and as the final value of a blocking call.
type Result int8

const (
	ResultOK         Result = 0
	ResultErr        Result = -1 // generic failure
	ResultParamErr   Result = -2
	ResultNoMem      Result = -3
	ResultTimeout    Result = -4
	ResultCont       Result = -5 // awaiting more data, not a terminal result
	ResultClosed     Result = -6
	ResultInProgress Result = -7
	ResultNotEnabled Result = -8
	ResultNoDevice   Result = -9
	ResultConnFail   Result = -10
)

var resultText = map[Result]string{
	ResultOK:         "ok",
	ResultErr:        "error",
	ResultParamErr:   "invalid parameter",
	ResultNoMem:      "out of memory",
	ResultTimeout:    "command timed out",
	ResultCont:       "awaiting more data",
	ResultClosed:     "connection closed",
	ResultInProgress: "operation in progress",
	ResultNotEnabled: "feature not enabled",
	ResultNoDevice:   "no device",
	ResultConnFail:   "connection failed",
}

func (r Result) String() string {
	if text, ok := resultText[r]; ok {
		return text
	}
	return "unknown result"
}

// Error adapts a Result to the error interface so it can be returned from
// blocking APIs without losing the original result code; callers that care
// about the specific kind can type-assert back with errors.As.
type Error struct {
	Result Result
}

func (e *Error) Error() string { return e.Result.String() }

// AsError wraps a non-OK result as an error, or returns nil for ResultOK.
func AsError(result Result) error {
	if result == ResultOK {
		return nil
	}
	return &Error{Result: result}
}
