package model

// CheckStatus is the status of a preflight check.
type CheckStatus string

const (
	CheckStatusOK      CheckStatus = "ok"
	CheckStatusWarning CheckStatus = "warning"
	CheckStatusError   CheckStatus = "error"
)

// CheckResult is the result of a single preflight check of the daemon dependencies.
type CheckResult struct {
	// ID identifies the check, e.g. "docker_daemon" or "sqlite_schema".
	ID      string
	Message string
	Status  CheckStatus
}

// OKCheck returns a passed check.
func OKCheck(id, msg string) CheckResult {
	return CheckResult{ID: id, Status: CheckStatusOK, Message: msg}
}

// ErrorCheck returns a failed check with the error as message.
func ErrorCheck(id string, err error) CheckResult {
	return CheckResult{ID: id, Status: CheckStatusError, Message: err.Error()}
}

// CountByStatus counts the warnings and the errors of the results.
func CountByStatus(results []CheckResult) (warnings, errors int) {
	for _, r := range results {
		switch r.Status {
		case CheckStatusWarning:
			warnings++
		case CheckStatusError:
			errors++
		}
	}
	return warnings, errors
}
