package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/internal/tools"
	"github.com/haasonsaas/operative/pkg/models"
)

// maxPrintedLines bounds how much of a tool's output is echoed.
const maxPrintedLines = 6

// printer renders a running loop on a terminal.
type printer struct {
	agent.NopObserver

	out          io.Writer
	showThinking bool

	mu       sync.Mutex
	midLine  bool
	thinking bool
}

func newPrinter(out io.Writer, showThinking bool) *printer {
	return &printer{out: out, showThinking: showThinking}
}

func (p *printer) OnText(delta string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.thinking {
		p.endLine()
		p.thinking = false
	}
	fmt.Fprint(p.out, delta)
	p.midLine = !strings.HasSuffix(delta, "\n")
}

func (p *printer) OnThinking(delta string) {
	if !p.showThinking {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.thinking {
		p.endLine()
		fmt.Fprint(p.out, "💭 ")
		p.thinking = true
	}
	fmt.Fprint(p.out, delta)
	p.midLine = !strings.HasSuffix(delta, "\n")
}

func (p *printer) OnAssistantMessage(models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	p.thinking = false
}

func (p *printer) OnToolEvent(event models.ToolEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()

	if event.Stage == models.ToolEventStarted {
		fmt.Fprintln(p.out, tools.FormatToolSummary(tools.ResolveToolDisplay(event.ToolName, event.Input)))
		return
	}
	for _, line := range resultLines(event) {
		fmt.Fprintln(p.out, "  "+line)
	}
}

func (p *printer) OnRetry(attempt int, err error, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	fmt.Fprintf(p.out, "⏳ provider error (attempt %d), retrying in %s: %v\n", attempt, delay.Round(time.Millisecond), err)
}

func (p *printer) endLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

// resultLines summarizes a finished tool event.
func resultLines(event models.ToolEvent) []string {
	if event.Stage == models.ToolEventInterrupted {
		return []string{"⏹ interrupted"}
	}
	if event.Result == nil {
		return nil
	}

	var (
		lines  []string
		images int
	)
	for _, part := range event.Result.Content {
		switch part.Type {
		case models.PartImage:
			images++
		default:
			if strings.TrimSpace(part.Text) == "" {
				continue
			}
			lines = append(lines, strings.Split(strings.TrimRight(part.Text, "\n"), "\n")...)
		}
	}
	if len(lines) > maxPrintedLines {
		hidden := len(lines) - maxPrintedLines
		lines = append(lines[:maxPrintedLines], fmt.Sprintf("… %d more lines", hidden))
	}
	if images > 0 {
		lines = append(lines, "📸 screenshot")
	}

	status := "✓"
	if event.Result.IsError {
		status = "✗"
	}
	summary := fmt.Sprintf("%s %s", status, event.Duration().Round(time.Millisecond))
	return append(lines, summary)
}
