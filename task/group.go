package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/meshcore/logging"
)

// ErrShutdown is returned when spawning into a group that is shutting down.
var ErrShutdown = errors.New("task group shut down")

// Group runs named tasks under a shared cancellable context.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
	log    *logrus.Entry

	mu      sync.Mutex
	closed  bool
	running map[string]int

	waitOnce sync.Once
	waitErr  error
}

// NewGroup creates a group whose tasks stop when parent is cancelled or
// Shutdown is called.
func NewGroup(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{
		ctx:     ctx,
		cancel:  cancel,
		eg:      eg,
		log:     logging.For("task"),
		running: make(map[string]int),
	}
}

// Context returns the context shared by every task in the group.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Spawn starts fn in its own goroutine.
func (g *Group) Spawn(name string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("%w: cannot spawn %q", ErrShutdown, name)
	}
	g.running[name]++
	g.eg.Go(func() error {
		defer g.done(name)
		err := fn(g.ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		g.log.WithFields(logrus.Fields{
			"function": "Spawn",
			"task":     name,
			"error":    err.Error(),
		}).Warn("Task failed, stopping group")
		return fmt.Errorf("task %s: %w", name, err)
	})
	return nil
}

func (g *Group) done(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[name]--; g.running[name] <= 0 {
		delete(g.running, name)
	}
}

// Running returns how many tasks with the given name are still running.
func (g *Group) Running(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[name]
}

// Wait blocks until every task has returned and reports the first failure.
func (g *Group) Wait() error {
	g.waitOnce.Do(func() {
		g.waitErr = g.eg.Wait()
	})
	return g.waitErr
}

// Shutdown cancels the group and waits for all tasks. It is safe to call
// more than once.
func (g *Group) Shutdown() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	return g.Wait()
}
