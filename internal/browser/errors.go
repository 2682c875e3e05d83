package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// ErrSessionClosed is returned by every page operation after Close.
var ErrSessionClosed = errors.New("browser session is closed")

// ErrElementNotFound is wrapped by handlers whose target is missing.
var ErrElementNotFound = errors.New("element not found")

// ErrInvalidParameters is wrapped when a recorded action lacks a required
// parameter.
var ErrInvalidParameters = errors.New("invalid action parameters")

// ParseBrowserError maps an action failure to the error code reported in its
// outcome. Typed errors are checked first, then the messages chromedp and
// Chrome produce.
func ParseBrowserError(err error) schemas.ErrorCode {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrElementNotFound):
		return schemas.ErrCodeElementNotFound
	case errors.Is(err, ErrInvalidParameters):
		return schemas.ErrCodeInvalidParameters
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.ErrCodeTimeoutError
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "could not find node") ||
		strings.Contains(errStr, "no element found") ||
		strings.Contains(errStr, "selector"):
		return schemas.ErrCodeElementNotFound
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out"):
		return schemas.ErrCodeTimeoutError
	case strings.Contains(errStr, "net::err") || strings.Contains(errStr, "navigation"):
		return schemas.ErrCodeNavigationError
	}
	return schemas.ErrCodeActionFailed
}
