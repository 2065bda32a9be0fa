package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const processStopTimeout = 3 * time.Second

// newExternal runs the wireguard-go binary as a child process. Its UAPI
// socket is driven through wgctrl with replace-all semantics.
func newExternal(opts Options) (Backend, error) {
	b := newCtrlBackend(ExternalProcess, opts, true)
	b.proc = &process{path: opts.WireGuardGo, log: b.log}
	return b, nil
}

// process supervises one wireguard-go child.
type process struct {
	path string
	log  *logrus.Entry

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *process) Start(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return nil
	}
	path, err := exec.LookPath(p.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// -f keeps wireguard-go in the foreground so we own its lifetime.
	cmd := exec.Command(path, "-f", name)
	cmd.Env = append(os.Environ(), "WG_PROCESS_FOREGROUND=1")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrUnavailable, path, err)
	}
	done := make(chan struct{})
	p.cmd, p.done = cmd, done
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(done)
	}()

	p.log.WithFields(logrus.Fields{
		"function":  "Start",
		"binary":    path,
		"interface": name,
		"pid":       cmd.Process.Pid,
	}).Info("Started wireguard-go process")
	return nil
}

func (p *process) Stop() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.cmd, p.done = nil, nil
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	sig := os.Interrupt
	if runtime.GOOS == "windows" {
		sig = os.Kill
	}
	if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-done:
	case <-time.After(processStopTimeout):
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}
