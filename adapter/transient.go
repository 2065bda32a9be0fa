package adapter

import "errors"

// IsTransient reports whether err is a native failure that may succeed if
// the call is retried, such as a busy driver.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	return isTransientErrno(err)
}
