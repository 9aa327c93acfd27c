package response

import "fmt"

// TriageError expands a normal error to provide additional meta data
type TriageError struct {
	Fatal   bool      `json:"fatal"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Err is the underlying cause when there is one
	Err error `json:"-"`
}

// NewError builds a non fatal TriageError wrapping err
func NewError(code ErrorCode, err error) *TriageError {
	e := &TriageError{Code: code, Err: err}

	if err != nil {
		e.Message = err.Error()
	}

	return e
}

// Error is defined to implement the error interface
func (e TriageError) Error() string {
	return e.String()
}

// Unwrap exposes the cause to errors.Is and errors.As
func (e TriageError) Unwrap() error {
	return e.Err
}

// String provides a string representation of the error
func (e TriageError) String() string {
	fatal := ""

	if e.Fatal {
		fatal = "fatal "
	}

	return fmt.Sprintf("%serror occurred, code %d (%s): %s", fatal, e.Code, e.Code, e.Message)
}

// ErrorCode defines the set of error codes that can be set on a TriageError
type ErrorCode int

const (
	// NoErrorCode means the error code hasn't been set
	NoErrorCode ErrorCode = iota
	// DecodeError means the payload wasn't valid base64
	DecodeError
	// EngineConstructionError means the detection engine couldn't be built
	EngineConstructionError
	// EngineScanError means the engine failed or panicked during a scan
	EngineScanError
	// TimeoutExceeded means the scan didn't finish within its budget
	TimeoutExceeded
	// ProtocolError means a client message couldn't be parsed
	ProtocolError
	// SerializationError means a response couldn't be encoded
	SerializationError
	// ScannerClosed means a scan was requested during shutdown
	ScannerClosed
	// QueueTimeoutExceeded means the budget ran out before any engine
	// picked the scan up
	QueueTimeoutExceeded
)

var errorNames = [...]string{
	"NoErrorCode",
	"DecodeError",
	"EngineConstructionError",
	"EngineScanError",
	"TimeoutExceeded",
	"ProtocolError",
	"SerializationError",
	"ScannerClosed",
	"QueueTimeoutExceeded",
}

// String returns the name of the code
func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(errorNames) {
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}

	return errorNames[c]
}
