package dueldto

// ErrorCode is the closed set of machine-readable failure codes the API
// returns. Precondition failures carry a sub-code in Error.Reason so the
// client can show a targeted message.
type ErrorCode string

const (
	CodeUnauthenticated    ErrorCode = "unauthenticated"
	CodeInvalidArgument    ErrorCode = "invalid_argument"
	CodeFailedPrecondition ErrorCode = "failed_precondition"
	CodeNotFound           ErrorCode = "not_found"
	CodeResourceExhausted  ErrorCode = "resource_exhausted"
	CodeAborted            ErrorCode = "aborted"
	CodeInternal           ErrorCode = "internal"
)

// Error is the wire form of a failed request.
type Error struct {
	Code    ErrorCode `json:"code"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }
