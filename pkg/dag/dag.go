// Package dag executes a directed acyclic graph of named tasks. Independent
// branches run concurrently; a task starts only after every task it depends
// on has succeeded. Failed tasks are retried a bounded number of times with
// a fixed delay, then become terminally failed, and everything downstream of
// a terminal failure is skipped rather than run. Branches that do not depend
// on the failure still complete.
package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Status is the lifecycle state of one task instance within a run.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusFailedTerminal Status = "failed_terminal"
	StatusSkipped        Status = "skipped"
)

// Task is a unit of work in the graph. Run receives a context that is
// cancelled when the task's execution timeout elapses.
type Task struct {
	Name      string
	DependsOn []string
	Run       func(ctx context.Context) error
}

type Config struct {
	Logger *slog.Logger

	// MaxRetries is the number of re-attempts after the first failure of a
	// task. 0 means a task runs exactly once.
	MaxRetries int

	// RetryDelay is the fixed delay between attempts.
	RetryDelay time.Duration

	// TaskTimeout bounds a single attempt. 0 disables the timeout.
	TaskTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if cfg.RetryDelay < 0 {
		return errors.New("retry delay must not be negative")
	}
	if cfg.TaskTimeout < 0 {
		return errors.New("task timeout must not be negative")
	}
	return nil
}

type node struct {
	task Task

	mu     sync.Mutex
	status Status
	err    error

	done chan struct{}
}

func (n *node) setStatus(s Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

func (n *node) finish(s Status, err error) {
	n.mu.Lock()
	n.status = s
	n.err = err
	n.mu.Unlock()
	close(n.done)
}

// Graph is a single-use task graph: build it with Add, execute it once with
// Run, then inspect per-task outcomes with Status and TaskErr.
type Graph struct {
	log   *slog.Logger
	cfg   Config
	nodes map[string]*node
	order []string
}

func New(cfg Config) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Graph{
		log:   cfg.Logger,
		cfg:   cfg,
		nodes: make(map[string]*node),
	}, nil
}

// Add registers a task. Dependencies may be added after their dependents;
// the graph is validated as a whole when Run starts.
func (g *Graph) Add(t Task) error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Run == nil {
		return fmt.Errorf("task %q has no run function", t.Name)
	}
	if _, ok := g.nodes[t.Name]; ok {
		return fmt.Errorf("task %q is already registered", t.Name)
	}
	g.nodes[t.Name] = &node{
		task:   t,
		status: StatusPending,
		done:   make(chan struct{}),
	}
	g.order = append(g.order, t.Name)
	return nil
}

// Status reports the current state of a task, or StatusPending if the name
// is unknown.
func (g *Graph) Status(name string) Status {
	n, ok := g.nodes[name]
	if !ok {
		return StatusPending
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// TaskErr returns the terminal error of a task, if any.
func (g *Graph) TaskErr(name string) error {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func (g *Graph) validate() error {
	for _, name := range g.order {
		for _, dep := range g.nodes[name].task.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", name, dep)
			}
		}
	}

	// Kahn's algorithm; anything left over is part of a cycle.
	indegree := make(map[string]int, len(g.nodes))
	for _, name := range g.order {
		indegree[name] = len(g.nodes[name].task.DependsOn)
	}
	queue := make([]string, 0, len(g.nodes))
	for _, name := range g.order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, name := range g.order {
			for _, dep := range g.nodes[name].task.DependsOn {
				if dep != cur {
					continue
				}
				indegree[name]--
				if indegree[name] == 0 {
					queue = append(queue, name)
				}
			}
		}
	}
	if visited != len(g.nodes) {
		return errors.New("task graph contains a cycle")
	}
	return nil
}

// Run executes the graph and blocks until every task reaches a final state.
// It returns a joined error describing every task that did not succeed.
func (g *Graph) Run(ctx context.Context) error {
	if len(g.nodes) == 0 {
		return errors.New("task graph is empty")
	}
	if err := g.validate(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, name := range g.order {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			g.runNode(ctx, n)
		}(g.nodes[name])
	}
	wg.Wait()

	var errs []error
	for _, name := range g.order {
		n := g.nodes[name]
		n.mu.Lock()
		status, err := n.status, n.err
		n.mu.Unlock()
		switch status {
		case StatusFailedTerminal:
			errs = append(errs, fmt.Errorf("task %q failed: %w", name, err))
		case StatusSkipped:
			errs = append(errs, fmt.Errorf("task %q skipped: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Graph) runNode(ctx context.Context, n *node) {
	for _, dep := range n.task.DependsOn {
		d := g.nodes[dep]
		select {
		case <-ctx.Done():
			n.finish(StatusSkipped, ctx.Err())
			return
		case <-d.done:
		}
		d.mu.Lock()
		depStatus := d.status
		d.mu.Unlock()
		if depStatus != StatusSucceeded {
			g.log.Warn("dag: skipping task, upstream did not succeed", "task", n.task.Name, "upstream", dep, "upstreamStatus", depStatus)
			n.finish(StatusSkipped, fmt.Errorf("upstream task %q did not succeed", dep))
			return
		}
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			g.log.Warn("dag: retrying task", "task", n.task.Name, "attempt", attempt)
		}
		n.setStatus(StatusRunning)
		if err := g.runAttempt(ctx, n); err != nil {
			n.setStatus(StatusFailed)
			g.log.Error("dag: task attempt failed", "task", n.task.Name, "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(g.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(g.cfg.MaxRetries)+1),
	)
	if err != nil {
		n.finish(StatusFailedTerminal, err)
		return
	}
	g.log.Info("dag: task succeeded", "task", n.task.Name, "attempts", attempt)
	n.finish(StatusSucceeded, nil)
}

func (g *Graph) runAttempt(ctx context.Context, n *node) error {
	if g.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.TaskTimeout)
		defer cancel()
	}
	return n.task.Run(ctx)
}
