package schemas

// OutcomeStatus classifies a single ActionOutcome.
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeNoop      OutcomeStatus = "noop"
	OutcomeTruncated OutcomeStatus = "truncated"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// ErrorCode is a string type used for structured error reporting in outcomes.
type ErrorCode string

const (
	// -- Replay errors --
	ErrCodeTargetLost           ErrorCode = "TARGET_LOST"
	ErrCodeUnexpectedPageChange ErrorCode = "UNEXPECTED_PAGE_CHANGE"
	ErrCodeActionFailed         ErrorCode = "ACTION_FAILED"
	ErrCodeRetriesExhausted     ErrorCode = "RETRIES_EXHAUSTED"
	ErrCodeNoViablePath         ErrorCode = "NO_VIABLE_PATH"
	ErrCodeCancelled            ErrorCode = "CANCELLED"
	ErrCodeNoAction             ErrorCode = "NO_ACTION"

	// -- Browser/DOM errors --
	ErrCodeElementNotFound   ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeoutError      ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNavigationError   ErrorCode = "NAVIGATION_ERROR"
	ErrCodeUnknownAction     ErrorCode = "UNKNOWN_ACTION"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
)

// ActionOutcome is the result of one executed (or skipped) action.
type ActionOutcome struct {
	Action           string        `json:"action,omitempty"`
	Status           OutcomeStatus `json:"status"`
	IsDone           bool          `json:"is_done,omitempty"`
	ExtractedContent string        `json:"extracted_content,omitempty"`
	ErrorCode        ErrorCode     `json:"error_code,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// Failed reports whether the outcome represents an error.
func (o ActionOutcome) Failed() bool {
	return o.Status == OutcomeFailed
}
