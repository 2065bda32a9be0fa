//go:build !unix && !windows

package adapter

func isTransientErrno(error) bool { return false }
