package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// commandRunner runs a tool and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ipLink manages WireGuard links with iproute2.
type ipLink struct {
	run commandRunner
}

func (l ipLink) Add(ctx context.Context, name string) error {
	if out, err := l.run(ctx, "ip", "link", "add", "dev", name, "type", "wireguard"); err != nil {
		if !strings.Contains(string(out), "File exists") {
			return fmt.Errorf("%w: ip link add %s: %v: %s", ErrUnavailable, name, err, strings.TrimSpace(string(out)))
		}
	}
	if out, err := l.run(ctx, "ip", "link", "set", "up", "dev", name); err != nil {
		return fmt.Errorf("ip link set up %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (l ipLink) Delete(ctx context.Context, name string) error {
	if out, err := l.run(ctx, "ip", "link", "del", "dev", name); err != nil {
		if strings.Contains(string(out), "Cannot find device") {
			return nil
		}
		return fmt.Errorf("ip link del %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// preprovisioned is used where the interface must already exist, such as a
// WireGuard-NT adapter installed by the host application.
type preprovisioned struct{}

func (preprovisioned) Add(context.Context, string) error    { return nil }
func (preprovisioned) Delete(context.Context, string) error { return nil }
