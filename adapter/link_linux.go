//go:build linux

package adapter

import (
	"fmt"
	"net"
)

func newKernelLinks(Options) (linkManager, error) {
	return ipLink{run: execCombined}, nil
}

func linkID(name string) (uint64, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %s: %w", name, err)
	}
	return uint64(ifi.Index), nil
}
