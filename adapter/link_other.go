//go:build !linux && !windows

package adapter

import (
	"fmt"
	"net"
	"runtime"
)

func newKernelLinks(Options) (linkManager, error) {
	return nil, fmt.Errorf("%w: no kernel WireGuard on %s", ErrUnavailable, runtime.GOOS)
}

func linkID(name string) (uint64, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %s: %w", name, err)
	}
	return uint64(ifi.Index), nil
}
