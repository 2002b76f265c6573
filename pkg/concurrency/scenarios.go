package concurrency

import (
	"context"
	"fmt"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// NoPrimary is reported when no task produced a usable response.
const NoPrimary = -1

// PickPrimary chooses the result that stands in for a normal response.
//
//	first            task 0 unconditionally
//	first_success    first 2xx, else first task that responded, else none
//	majority_success first 2xx when more than half are 2xx, else first task that responded
func PickPrimary(results []types.TaskResult, policy types.PrimaryPolicy) int {
	if len(results) == 0 {
		return NoPrimary
	}
	switch policy {
	case types.PrimaryFirstSuccess:
		if i := firstOK(results); i >= 0 {
			return i
		}
		return firstResponded(results)
	case types.PrimaryMajoritySuccess:
		if successes(results)*2 > len(results) {
			return firstOK(results)
		}
		return firstResponded(results)
	default:
		return 0
	}
}

func firstOK(results []types.TaskResult) int {
	for i, r := range results {
		if r.OK {
			return i
		}
	}
	return NoPrimary
}

func firstResponded(results []types.TaskResult) int {
	for i, r := range results {
		if !r.Synthetic {
			return i
		}
	}
	return NoPrimary
}

func successes(results []types.TaskResult) int {
	n := 0
	for _, r := range results {
		if r.OK {
			n++
		}
	}
	return n
}

// Report builds the summary for results with the given primary.
func Report(kind types.ConcurrencyKind, results []types.TaskResult, primary int) *types.ConcurrencyReport {
	ok := successes(results)
	return &types.ConcurrencyReport{
		Kind:         kind,
		PrimaryIndex: primary,
		SuccessCount: ok,
		FailureCount: len(results) - ok,
		Tasks:        results,
	}
}

// Primary returns the chosen response, or a synthetic status-0 response when
// no task produced one.
func Primary(report *types.ConcurrencyReport) *types.HTTPResponse {
	if report == nil || report.PrimaryIndex < 0 || report.PrimaryIndex >= len(report.Tasks) {
		msg := "all concurrent tasks failed"
		if report != nil && len(report.Tasks) == 0 {
			msg = "no concurrent tasks"
		}
		return &types.HTTPResponse{Error: msg}
	}
	return report.Tasks[report.PrimaryIndex].Response
}

// Replay fires n copies of req and picks a primary per policy.
func Replay(ctx context.Context, d Dispatcher, req *types.ParsedRequest, n int, policy types.PrimaryPolicy, opts Options) (*types.ConcurrencyReport, *types.HTTPResponse) {
	if n < 1 {
		n = 1
	}
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{Name: fmt.Sprintf("replay-%d", i), Request: req.Clone()}
	}
	results := Run(ctx, d, tasks, opts)
	report := Report(types.ConcurrencyReplay, results, PickPrimary(results, policy))
	return report, Primary(report)
}

// Group fires the anchor request together with extras. The anchor is always
// task 0 and always the primary; extras are reported only.
func Group(ctx context.Context, d Dispatcher, anchor Task, extras []Task, opts Options) (*types.ConcurrencyReport, *types.HTTPResponse) {
	if anchor.Name == "" {
		anchor.Name = "anchor"
	}
	tasks := append([]Task{anchor}, extras...)
	results := Run(ctx, d, tasks, opts)
	report := Report(types.ConcurrencyGroup, results, 0)
	return report, Primary(report)
}
