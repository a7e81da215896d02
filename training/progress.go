package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tsawler/go-reid/layers"
)

// ProgressBar draws a single-line, carriage-return refreshed progress bar
// for an iteration budget.
type ProgressBar struct {
	mu          sync.Mutex
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to out.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the bar to step and replaces the displayed metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish draws the final state and ends the line.
func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && percentage > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		line += fmt.Sprintf(", %.2fit/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.4g", k, pb.metrics[k])
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// PrintArchitecture writes a per-sub-model parameter table.
func PrintArchitecture(out io.Writer, model *Model) {
	var total int64
	fmt.Fprintf(out, "Model Architecture:\n")
	for _, sub := range AllSubModels {
		module := model.SubModule(sub)
		count := layers.ParameterCount(module.Parameters())
		total += count
		fmt.Fprintf(out, "  (%s): %s parameters\n", sub, formatParameterCount(count))
		for _, p := range module.NamedParameters() {
			fmt.Fprintf(out, "    %s %v\n", p.Name, p.Tensor.Shape)
		}
	}
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(out, "Params size (MB): %.3f\n\n", float64(total*8)/1024/1024)
}
