//go:build windows

package adapter

import (
	"fmt"

	"golang.zx2c4.com/wintun"
)

func newKernelLinks(Options) (linkManager, error) {
	return preprovisioned{}, nil
}

// linkID returns the adapter LUID.
func linkID(name string) (uint64, error) {
	adapter, err := wintun.OpenAdapter(name)
	if err != nil {
		return 0, fmt.Errorf("open adapter %s: %w", name, err)
	}
	defer adapter.Close()
	return adapter.LUID(), nil
}
