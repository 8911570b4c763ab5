package host

import (
	"regexp"
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

const (
	defaultCols = 120
	defaultRows = 40
)

// promptWatcher feeds PTY output through a virtual terminal emulator and
// detects the agent CLI's input prompt through redraw noise. Matching on
// the rendered screen rather than the raw byte stream keeps detection
// stable against cursor movement and repaint sequences.
type promptWatcher struct {
	mu      sync.Mutex
	term    vt10x.Terminal
	pattern *regexp.Regexp
	cols    int
	rows    int
}

func newPromptWatcher(pattern *regexp.Regexp, cols, rows int) *promptWatcher {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	return &promptWatcher{
		term:    vt10x.New(vt10x.WithSize(cols, rows)),
		pattern: pattern,
		cols:    cols,
		rows:    rows,
	}
}

// Write feeds raw PTY output to the virtual terminal.
func (w *promptWatcher) Write(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = w.term.Write(data)
}

// AtPrompt reports whether the prompt marker is visible on the final
// non-blank screen line.
func (w *promptWatcher) AtPrompt() bool {
	if w.pattern == nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for row := w.rows - 1; row >= 0; row-- {
		line := w.visibleLine(row)
		if strings.TrimSpace(line) == "" {
			continue
		}
		return w.pattern.MatchString(line)
	}
	return false
}

// visibleLine extracts one rendered row as text. Caller holds w.mu.
func (w *promptWatcher) visibleLine(row int) string {
	chars := make([]rune, 0, w.cols)
	for col := 0; col < w.cols; col++ {
		g := w.term.Cell(col, row)
		if g.Char == 0 {
			chars = append(chars, ' ')
		} else {
			chars = append(chars, g.Char)
		}
	}
	return strings.TrimRight(string(chars), " ")
}
