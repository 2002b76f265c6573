package progress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// Console renders a single-line progress bar with an ETA.
type Console struct {
	out       io.Writer
	startTime time.Time
	mu        sync.Mutex
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out, startTime: time.Now()}
}

func (c *Console) Publish(_ context.Context, run *types.TestRun) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	percent := run.Percent()
	barWidth := 30
	filled := (percent * barWidth) / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	elapsed := time.Since(c.startTime)
	eta := "calculating..."
	if percent > 0 && percent < 100 {
		totalEstimated := (elapsed * 100) / time.Duration(percent)
		eta = formatDuration(totalEstimated - elapsed)
	}

	current := run.Progress.CurrentTemplate
	if current != "" {
		current = " | " + current
	}

	_, err := fmt.Fprintf(c.out, "\r\033[K[%s] %d%% | %d/%d | findings %d | errors %d%s | ETA: %s",
		bar, percent,
		run.Progress.Completed, run.Progress.Total,
		run.Progress.Findings, run.Progress.ErrorsCount,
		current, eta,
	)
	if err == nil && run.Status.Terminal() {
		_, err = fmt.Fprintf(c.out, "\n%s in %s\n", run.Status, formatDuration(elapsed))
	}
	return err
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
