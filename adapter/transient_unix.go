//go:build unix

package adapter

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isTransientErrno(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
