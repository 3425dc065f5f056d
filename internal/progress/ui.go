package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Printer writes progress lines for one transfer. On a terminal each
// update overwrites the previous line.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	label string
	tty   bool
	dirty bool
}

// NewPrinter creates a printer labeling lines with label.
func NewPrinter(w io.Writer, label string) *Printer {
	return &Printer{w: w, label: label, tty: IsTTY(w)}
}

// Update renders s with the current state and recovery count.
func (p *Printer) Update(state string, recoveries int, s Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := FormatLine(p.label, state, recoveries, s)
	if p.tty {
		fmt.Fprintf(p.w, "\r\033[K%s", line)
		p.dirty = true
		return
	}
	fmt.Fprintln(p.w, line)
}

// Done ends the progress line with a final outcome message.
func (p *Printer) Done(ok bool, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirty {
		fmt.Fprintln(p.w)
		p.dirty = false
	}
	color := colorGreen
	if !ok {
		color = colorRed
	}
	fmt.Fprintln(p.w, colorize(msg, color, p.tty))
}

// FormatLine renders one progress line.
func FormatLine(label, state string, recoveries int, s Stats) string {
	var b strings.Builder
	if label != "" {
		b.WriteString(label)
		b.WriteString(" ")
	}
	if s.TotalBytes > 0 {
		fmt.Fprintf(&b, "%s %5.1f%%  ", renderBar(s.Percent, 20), s.Percent)
	}
	fmt.Fprintf(&b, "%s/%s  %s  files %s  ETA %s  %s",
		formatBytes(s.BytesDone),
		formatBytes(s.TotalBytes),
		formatRate(s.RateBps),
		formatFileCount(s.FilesDone, s.TotalFiles),
		formatETA(s.ETA),
		state,
	)
	if recoveries > 0 {
		fmt.Fprintf(&b, " (recovering, attempt %d)", recoveries)
	}
	return b.String()
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n <= 0:
		return "0 B"
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(k))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func formatFileCount(done, total int) string {
	if total <= 0 {
		return fmt.Sprintf("%d", done)
	}
	return fmt.Sprintf("%d/%d", done, total)
}
