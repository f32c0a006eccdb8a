package progress

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/logger"
)

// ProgressInfo contains detailed progress information
type ProgressInfo struct {
	TotalTasks        int
	CompletedTasks    int
	FailedTasks       int
	ReusedTasks       int
	RunningTasks      int
	PendingTasks      int
	ElapsedTime       time.Duration
	EstimatedTimeLeft time.Duration
	HandlerBreakdown  map[string]HandlerStats
}

// HandlerStats lists the in-flight tasks of one handler key
type HandlerStats struct {
	Running      int
	RunningTasks []string
}

// FromProgress converts an executor progress view into a ProgressInfo
func FromProgress(p dag.Progress) ProgressInfo {
	completed := p.Succeeded + p.Failed
	info := ProgressInfo{
		TotalTasks:       p.Total,
		CompletedTasks:   completed,
		FailedTasks:      p.Failed,
		ReusedTasks:      p.Reused,
		RunningTasks:     p.Running,
		PendingTasks:     p.Pending,
		ElapsedTime:      p.Elapsed,
		HandlerBreakdown: make(map[string]HandlerStats, len(p.RunningTasks)),
	}
	// Reused tasks finish instantly and would skew the estimate.
	info.EstimatedTimeLeft = CalculateETA(completed-p.Reused, p.Total-p.Reused, p.Elapsed)
	for handler, ids := range p.RunningTasks {
		info.HandlerBreakdown[handler] = HandlerStats{Running: len(ids), RunningTasks: ids}
	}
	return info
}

// Reporter handles periodic progress reporting
type Reporter struct {
	startTime      time.Time
	lastReportTime time.Time
	reportInterval time.Duration
}

// NewReporter creates a new progress reporter
func NewReporter(interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{
		startTime:      time.Now(),
		lastReportTime: time.Now(),
		reportInterval: interval,
	}
}

// ShouldReport returns true if it's time to report progress
func (r *Reporter) ShouldReport() bool {
	return time.Since(r.lastReportTime) >= r.reportInterval
}

// Report generates a formatted progress report
func (r *Reporter) Report(info ProgressInfo) string {
	r.lastReportTime = time.Now()

	var sb strings.Builder

	percentage := 0.0
	if info.TotalTasks > 0 {
		percentage = float64(info.CompletedTasks) / float64(info.TotalTasks) * 100
	}

	sb.WriteString(fmt.Sprintf("Progress: %d/%d tasks completed (%.1f%%)",
		info.CompletedTasks, info.TotalTasks, percentage))
	if info.ReusedTasks > 0 {
		sb.WriteString(fmt.Sprintf(", %d reused", info.ReusedTasks))
	}
	if info.FailedTasks > 0 {
		sb.WriteString(fmt.Sprintf(", %d failed", info.FailedTasks))
	}

	sb.WriteString(fmt.Sprintf(" | Elapsed: %s", FormatDuration(info.ElapsedTime)))
	if info.EstimatedTimeLeft > 0 {
		sb.WriteString(fmt.Sprintf(" | ETA: %s", FormatDuration(info.EstimatedTimeLeft)))
	}

	if len(info.HandlerBreakdown) > 0 {
		handlers := make([]string, 0, len(info.HandlerBreakdown))
		for h := range info.HandlerBreakdown {
			handlers = append(handlers, h)
		}
		sort.Strings(handlers)

		sb.WriteString("\n   Running:")
		for _, h := range handlers {
			stats := info.HandlerBreakdown[h]
			sb.WriteString(fmt.Sprintf("\n      %s: %d (%s)", h, stats.Running, strings.Join(stats.RunningTasks, ", ")))
		}
	}
	if info.PendingTasks > 0 {
		sb.WriteString(fmt.Sprintf("\n   Waiting: %d", info.PendingTasks))
	}

	return sb.String()
}

// Watch logs a progress report every interval until ctx is done.
func Watch(ctx context.Context, interval time.Duration, source func() dag.Progress) {
	r := NewReporter(interval)
	ticker := time.NewTicker(r.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := source()
			if p.Running == 0 && p.Pending == 0 {
				continue
			}
			logger.User.Info(r.Report(FromProgress(p)))
		}
	}
}

// CalculateETA estimates time remaining based on current progress
func CalculateETA(completed, total int, elapsed time.Duration) time.Duration {
	if completed <= 0 || total <= 0 || completed >= total {
		return 0
	}

	averageTimePerTask := elapsed / time.Duration(completed)
	remainingTasks := total - completed
	return averageTimePerTask * time.Duration(remainingTasks)
}

// FormatDuration formats a duration in a user-friendly way
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
