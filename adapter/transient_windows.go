//go:build windows

package adapter

import (
	"errors"

	"golang.org/x/sys/windows"
)

func isTransientErrno(err error) bool {
	return errors.Is(err, windows.ERROR_BUSY) || errors.Is(err, windows.ERROR_RETRY)
}
