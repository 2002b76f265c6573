// Package concurrency fires a request set together and fans the results back
// in task order. Two scenarios are supported: concurrent replay of one request
// N times, and a parallel group of an anchor request plus side requests.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// ErrTimeout marks a task that did not finish within its deadline.
var ErrTimeout = errors.New("task timed out")

const DefaultTimeout = 15 * time.Second

// Dispatcher sends one request with no retries.
type Dispatcher interface {
	DoOnce(ctx context.Context, req *types.ParsedRequest) (*types.HTTPResponse, error)
}

type Task struct {
	Name    string
	Request *types.ParsedRequest
}

type Options struct {
	// Barrier holds every task until all of them are ready, then releases
	// them together.
	Barrier bool
	Timeout time.Duration
}

// Run dispatches tasks concurrently. The returned slice is indexed like
// tasks regardless of completion order. Failures, timeouts and panics become
// synthetic results and never cancel sibling tasks.
func Run(ctx context.Context, d Dispatcher, tasks []Task, opts Options) []types.TaskResult {
	results := make([]types.TaskResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var ready sync.WaitGroup
	start := make(chan struct{})
	if opts.Barrier {
		ready.Add(len(tasks))
	}

	var g errgroup.Group
	for i := range tasks {
		i := i
		g.Go(func() error {
			if opts.Barrier {
				ready.Done()
				select {
				case <-start:
				case <-ctx.Done():
					results[i] = failed(i, tasks[i].Name, 0, ctx.Err())
					return nil
				}
			}
			results[i] = runTask(ctx, d, i, tasks[i], timeout)
			return nil
		})
	}
	if opts.Barrier {
		ready.Wait()
		close(start)
	}
	_ = g.Wait()
	return results
}

type outcome struct {
	resp *types.HTTPResponse
	err  error
}

func runTask(parent context.Context, d Dispatcher, index int, task Task, timeout time.Duration) types.TaskResult {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	began := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		resp, err := d.DoOnce(ctx, task.Request)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(began).Milliseconds()
		if out.err != nil {
			return failed(index, task.Name, elapsed, out.err)
		}
		if out.resp == nil {
			return failed(index, task.Name, elapsed, errors.New("no response"))
		}
		return types.TaskResult{
			Index:      index,
			Name:       task.Name,
			OK:         out.resp.Is2xx(),
			Status:     out.resp.Status,
			DurationMs: elapsed,
			Response:   out.resp,
		}
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return failed(index, task.Name, time.Since(began).Milliseconds(), err)
	}
}

func failed(index int, name string, elapsed int64, err error) types.TaskResult {
	return types.TaskResult{
		Index:      index,
		Name:       name,
		DurationMs: elapsed,
		Error:      err.Error(),
		Synthetic:  true,
		Response:   &types.HTTPResponse{Status: 0, DurationMs: elapsed, Error: err.Error()},
	}
}
