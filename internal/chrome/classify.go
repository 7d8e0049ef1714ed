package chrome

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Failure codes for classified capture errors.
const (
	CodeTimeout           = "TIMEOUT"
	CodeDomainNotFound    = "DOMAIN_NOT_FOUND"
	CodeConnectionRefused = "CONNECTION_REFUSED"
	CodeCaptureFailed     = "CAPTURE_FAILED"
)

// Failure is a classified capture error with HTTP status intent.
type Failure struct {
	Code    string
	Status  int
	Message string
}

// Classify maps a capture error onto the failure taxonomy by inspecting its
// text. Chrome reports navigation problems as net:: error strings rather
// than typed errors, so this is ordered substring matching; the first match
// wins and the result is best-effort.
func Classify(err error) Failure {
	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "timeout"):
		return Failure{Code: CodeTimeout, Status: http.StatusGatewayTimeout, Message: "page did not render within the time budget"}
	case strings.Contains(msg, "err_name_not_resolved"),
		strings.Contains(msg, "no such host"):
		return Failure{Code: CodeDomainNotFound, Status: http.StatusBadRequest, Message: "domain could not be resolved"}
	case strings.Contains(msg, "err_connection_refused"),
		strings.Contains(msg, "connection refused"):
		return Failure{Code: CodeConnectionRefused, Status: http.StatusBadRequest, Message: "target refused the connection"}
	default:
		return Failure{Code: CodeCaptureFailed, Status: http.StatusInternalServerError, Message: "screenshot capture failed"}
	}
}
