// Package worker runs a fixed-size pool of OS worker processes. Each worker
// is the current binary re-executed with an internal trigger environment
// variable, communicating with its parent over stdin/stdout using
// length-prefixed gob frames. This gives genuine process-level isolation
// between concurrently executing partitions without a dedicated subcommand:
// NewPool recognizes the trigger variable and diverts a re-exec'd process
// straight into the worker loop before spawning anything of its own.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/fedstandalone/pkg/log"
	"github.com/cuemby/fedstandalone/pkg/metrics"
)

// process is one live worker: its OS process plus the pipes used to frame
// Tasks and Results across the boundary.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu sync.Mutex // serializes frame exchange: one task in flight per process
}

func (p *process) call(task Task) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := writeFrame(p.stdin, &task); err != nil {
		return Result{}, fmt.Errorf("worker: submit task: %w", err)
	}
	var result Result
	if err := readFrame(p.stdout, &result); err != nil {
		return Result{}, fmt.Errorf("worker: read result: %w", err)
	}
	if result.Err != "" {
		return Result{}, fmt.Errorf("worker: task failed: %s", result.Err)
	}
	return result, nil
}

func (p *process) terminate() {
	_ = p.stdin.Close()
	_ = p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}

// Pool owns a fixed number of worker processes and round-robins task
// submission across them via an availability channel.
type Pool struct {
	binary string

	mu        sync.Mutex
	processes []*process
	available chan *process
	closed    bool
}

// NewPool spawns count worker processes re-executing binary (os.Executable()
// if binary is empty).
func NewPool(count int, binary string) (*Pool, error) {
	maybeRunChild()

	if count < 1 {
		count = 1
	}
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("worker: resolve self executable: %w", err)
		}
		binary = exe
	}

	p := &Pool{
		binary:    binary,
		available: make(chan *process, count),
	}

	for i := 0; i < count; i++ {
		proc, err := p.spawn()
		if err != nil {
			p.Stop()
			return nil, fmt.Errorf("worker: spawn worker %d/%d: %w", i+1, count, err)
		}
		p.processes = append(p.processes, proc)
		p.available <- proc
	}
	metrics.WorkerProcessesAlive.Set(float64(len(p.processes)))
	metrics.WorkerPoolSized(len(p.processes), count)

	return p, nil
}

func (p *Pool) spawn() (*process, error) {
	cmd := exec.Command(p.binary)
	cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &process{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Submit runs one task on the next available worker process, blocking until
// a process is free.
func (p *Pool) Submit(ctx context.Context, kind string, payload []byte) ([]byte, error) {
	timer := metrics.NewTimer()
	var proc *process
	select {
	case proc = <-p.available:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if proc == nil {
		// Stop closed the availability channel.
		return nil, fmt.Errorf("worker: submit on stopped pool")
	}
	defer func() {
		p.mu.Lock()
		if !p.closed {
			p.available <- proc
		}
		p.mu.Unlock()
	}()

	result, err := proc.call(Task{Kind: kind, Payload: payload})
	timer.ObserveDuration(metrics.WorkerTaskDuration)
	if err != nil {
		metrics.WorkerTasksTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.WorkerTasksTotal.WithLabelValues("ok").Inc()
	return result.Payload, nil
}

// SubmitAll runs one task per element of payloads concurrently across the
// pool, returning results in the same order. Any single task's failure fails
// the whole batch once every in-flight task has finished; this is the
// barrier pkg/table relies on between map and reduce stages.
func (p *Pool) SubmitAll(ctx context.Context, kind string, payloads [][]byte) ([][]byte, error) {
	results := make([][]byte, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	for i, payload := range payloads {
		i, payload := i, payload
		g.Go(func() error {
			out, err := p.Submit(gctx, kind, payload)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Stop terminates every worker process. Kill is its synonym: there is no
// distinct forceful-termination behavior beyond shutting the pool down.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	for _, proc := range p.processes {
		proc.terminate()
	}
	close(p.available)
	metrics.WorkerProcessesAlive.Set(0)
	metrics.WorkerPoolSized(0, 0)
	log.Debug().Int("count", len(p.processes)).Msg("worker: pool stopped")
}

// Kill is a synonym for Stop; see Stop's doc comment.
func (p *Pool) Kill() { p.Stop() }
