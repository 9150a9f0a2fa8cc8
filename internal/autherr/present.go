package autherr

import (
	"errors"
	"strings"
)

type Severity int

const (
	// SeverityInfo is shown and dismissed without blocking anything.
	SeverityInfo Severity = iota
	// SeverityRetry is the generic "something went wrong, try again" prompt.
	SeverityRetry
	// SeverityBlocking must be acknowledged before the user can continue.
	SeverityBlocking
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityBlocking:
		return "blocking"
	default:
		return "retry"
	}
}

// Notice is what the presentation layer shows for a failed action.
type Notice struct {
	Severity Severity
	Title    string
	Message  string
	// Retryable is set when repeating the same action may succeed.
	Retryable bool
}

type fieldMessager interface {
	FieldMessages() []string
}

// Present maps an error onto a user-facing notice. Cancellations are
// informational, an unauthorized role is a blocking alert, and everything
// else gets the generic retry prompt.
func Present(err error) Notice {
	n := notice(err)
	n.Retryable = KindOf(err).Retryable()
	return n
}

func notice(err error) Notice {
	switch KindOf(err) {
	case KindUserCancelled:
		return Notice{Severity: SeverityInfo, Title: "Notice", Message: "Sign-in was cancelled."}
	case KindAlreadyInProgress:
		return Notice{Severity: SeverityInfo, Title: "Notice", Message: "Sign-in is already in progress."}
	case KindProviderUnavailable:
		return Notice{Severity: SeverityRetry, Title: "Error", Message: "The sign-in provider is unavailable on this device."}
	case KindUnauthorized:
		return Notice{Severity: SeverityBlocking, Title: "Access denied", Message: "This app is only available to drivers."}
	case KindValidation:
		var fm fieldMessager
		if errors.As(err, &fm) {
			return Notice{Severity: SeverityRetry, Title: "Input error", Message: strings.Join(fm.FieldMessages(), "\n")}
		}
		return Notice{Severity: SeverityRetry, Title: "Input error", Message: "Please fill in all required fields."}
	}
	return Notice{Severity: SeverityRetry, Title: "Sign-in failed", Message: "Something went wrong. Please try again."}
}
