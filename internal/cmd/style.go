package cmd

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boardStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// progressLine redraws a single progress line on a terminal. On anything
// else it prints nothing until Done.
type progressLine struct {
	w     io.Writer
	label string
	tty   bool
	bar   progress.Model
	last  int
}

func newProgressLine(w io.Writer, label string, tty bool) *progressLine {
	return &progressLine{
		w:     w,
		label: label,
		tty:   tty,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(30), progress.WithoutPercentage()),
		last:  -1,
	}
}

// Update draws done out of total bytes.
func (p *progressLine) Update(done, total int64) {
	if !p.tty || total <= 0 {
		return
	}
	pct := int(done * 100 / total)
	if pct == p.last {
		return
	}
	p.last = pct
	fmt.Fprintf(p.w, "\r%s %s %3d%% %s", p.label, p.bar.ViewAs(float64(done)/float64(total)), pct,
		dimStyle.Render(humanize.IBytes(uint64(done))+" / "+humanize.IBytes(uint64(total))))
}

// Done ends the line with a final status.
func (p *progressLine) Done(err error, total int64) {
	if p.tty {
		fmt.Fprint(p.w, "\r\x1b[2K")
	}
	if err != nil {
		fmt.Fprintf(p.w, "%s %s: %v\n", errorStyle.Render("✗"), p.label, err)
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n", successStyle.Render("✓"), p.label, dimStyle.Render(humanize.IBytes(uint64(total))))
}
