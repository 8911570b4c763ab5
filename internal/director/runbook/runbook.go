// Package runbook parses the line-oriented runbook format into the
// immutable execution plan.
//
// The format is deterministic and strict: unknown keys are rejected and
// turns must be numbered from 1, strictly increasing.
//
//	runbook: <name>
//	epoch: <id>
//	turn <n>:
//	  role: <role>
//	  timeout_ms: <u32>
//	  leases: [<resource>, ...]
//	  after: [<n>, ...]
//	  prompt: |
//	    <multi-line template>
package runbook

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	apperrors "github.com/liminal/liminal/internal/common/errors"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// ParseFile reads and parses a runbook file.
func ParseFile(path string) (*v1.Runbook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Parsef("cannot open runbook: %v", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse parses a runbook from a reader.
func Parse(r io.Reader) (*v1.Runbook, error) {
	p := &parser{scanner: bufio.NewScanner(r)}
	return p.parse()
}

type parser struct {
	scanner *bufio.Scanner
	lineNo  int
	line    string
	eof     bool
	peeked  bool
}

func (p *parser) next() bool {
	if p.peeked {
		p.peeked = false
		return !p.eof
	}
	if p.scanner.Scan() {
		p.lineNo++
		p.line = p.scanner.Text()
		return true
	}
	p.eof = true
	return false
}

func (p *parser) unread() { p.peeked = true }

func (p *parser) errf(format string, args ...any) error {
	return apperrors.Parsef("line %d: %s", p.lineNo, fmt.Sprintf(format, args...))
}

func (p *parser) parse() (*v1.Runbook, error) {
	rb := &v1.Runbook{}

	for p.next() {
		line := p.line
		if strings.TrimSpace(line) == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "runbook:"):
			rb.Name = strings.TrimSpace(strings.TrimPrefix(line, "runbook:"))
			if rb.Name == "" {
				return nil, p.errf("runbook name is empty")
			}
		case strings.HasPrefix(line, "epoch:"):
			rb.Epoch = strings.TrimSpace(strings.TrimPrefix(line, "epoch:"))
		case strings.HasPrefix(line, "turn "):
			turn, err := p.parseTurn(line)
			if err != nil {
				return nil, err
			}
			want := 1
			if n := len(rb.Turns); n > 0 {
				want = rb.Turns[n-1].TurnID + 1
			}
			if turn.TurnID != want {
				return nil, p.errf("turn %d out of order, expected %d", turn.TurnID, want)
			}
			rb.Turns = append(rb.Turns, *turn)
		default:
			return nil, p.errf("unknown key %q", strings.SplitN(strings.TrimSpace(line), ":", 2)[0])
		}
	}
	if err := p.scanner.Err(); err != nil {
		return nil, apperrors.Parsef("read error: %v", err)
	}

	if rb.Name == "" {
		return nil, apperrors.Parse("missing runbook name")
	}
	if len(rb.Turns) == 0 {
		return nil, apperrors.Parse("runbook has no turns")
	}
	for _, turn := range rb.Turns {
		for _, dep := range turn.DependsOn {
			if dep <= 0 || dep >= turn.TurnID {
				return nil, apperrors.Parsef("turn %d: dependency %d must reference an earlier turn", turn.TurnID, dep)
			}
		}
	}
	return rb, nil
}

func (p *parser) parseTurn(header string) (*v1.Turn, error) {
	rest := strings.TrimPrefix(header, "turn ")
	rest = strings.TrimSuffix(strings.TrimSpace(rest), ":")
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return nil, p.errf("invalid turn number %q", rest)
	}

	turn := &v1.Turn{TurnID: id}
	seen := map[string]bool{}

	for p.next() {
		line := p.line
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "  ") {
			// Next top-level entry.
			p.unread()
			break
		}

		body := strings.TrimPrefix(line, "  ")
		key, value, found := strings.Cut(body, ":")
		if !found {
			return nil, p.errf("malformed turn field %q", body)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if seen[key] {
			return nil, p.errf("duplicate key %q in turn %d", key, id)
		}
		seen[key] = true

		switch key {
		case "role":
			if value == "" {
				return nil, p.errf("turn %d: role is empty", id)
			}
			turn.Role = v1.AgentRole(value)
		case "timeout_ms":
			timeout, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, p.errf("turn %d: invalid timeout_ms %q", id, value)
			}
			turn.TimeoutMs = uint32(timeout)
		case "leases":
			leases, err := parseList(value)
			if err != nil {
				return nil, p.errf("turn %d: %v", id, err)
			}
			turn.RequiredLeases = leases
		case "after":
			items, err := parseList(value)
			if err != nil {
				return nil, p.errf("turn %d: %v", id, err)
			}
			for _, item := range items {
				dep, err := strconv.Atoi(item)
				if err != nil {
					return nil, p.errf("turn %d: invalid dependency %q", id, item)
				}
				turn.DependsOn = append(turn.DependsOn, dep)
			}
		case "prompt":
			if value != "|" {
				return nil, p.errf("turn %d: prompt must be a block scalar (|)", id)
			}
			prompt, err := p.parsePromptBlock()
			if err != nil {
				return nil, err
			}
			turn.PromptTemplate = prompt
		default:
			return nil, p.errf("unknown key %q in turn %d", key, id)
		}
	}

	if turn.Role == "" {
		return nil, apperrors.Parsef("turn %d: missing role", id)
	}
	if turn.PromptTemplate == "" {
		return nil, apperrors.Parsef("turn %d: missing prompt", id)
	}
	return turn, nil
}

// parsePromptBlock consumes the indented block following "prompt: |".
func (p *parser) parsePromptBlock() (string, error) {
	var lines []string
	for p.next() {
		line := p.line
		if strings.TrimSpace(line) == "" {
			lines = append(lines, "")
			continue
		}
		if !strings.HasPrefix(line, "    ") {
			p.unread()
			break
		}
		lines = append(lines, strings.TrimPrefix(line, "    "))
	}
	// Trailing blank lines belong to the next section, not the prompt.
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return "", apperrors.Parse("empty prompt block")
	}
	return strings.Join(lines, "\n"), nil
}

// parseList parses "[a, b, c]" into its items. "[]" yields nil.
func parseList(value string) ([]string, error) {
	if !strings.HasPrefix(value, "[") || !strings.HasSuffix(value, "]") {
		return nil, fmt.Errorf("expected bracketed list, got %q", value)
	}
	inner := strings.TrimSpace(value[1 : len(value)-1])
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			return nil, fmt.Errorf("empty list item in %q", value)
		}
		items = append(items, item)
	}
	return items, nil
}
