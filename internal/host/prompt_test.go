package host

import (
	"regexp"
	"testing"
)

func TestPromptWatcherDetectsPlainPrompt(t *testing.T) {
	w := newPromptWatcher(regexp.MustCompile(`^>\s*$`), 80, 24)

	w.Write([]byte("starting up\r\n"))
	if w.AtPrompt() {
		t.Fatal("prompt reported before marker appeared")
	}

	w.Write([]byte("> "))
	if !w.AtPrompt() {
		t.Fatal("prompt marker not detected")
	}
}

func TestPromptWatcherSeesThroughANSISequences(t *testing.T) {
	w := newPromptWatcher(regexp.MustCompile(`^>\s*$`), 80, 24)

	// Colored banner, cursor movement, then the prompt.
	w.Write([]byte("\x1b[1;32magent v2\x1b[0m\r\n"))
	w.Write([]byte("\x1b[2K> "))
	if !w.AtPrompt() {
		t.Fatal("prompt not detected through escape sequences")
	}
}

func TestPromptWatcherNilPattern(t *testing.T) {
	w := newPromptWatcher(nil, 80, 24)
	w.Write([]byte("> "))
	if w.AtPrompt() {
		t.Fatal("nil pattern must never match")
	}
}

func TestPromptWatcherPromptLeavesAfterOutput(t *testing.T) {
	w := newPromptWatcher(regexp.MustCompile(`^>\s*$`), 80, 24)

	w.Write([]byte("> "))
	if !w.AtPrompt() {
		t.Fatal("prompt expected")
	}

	w.Write([]byte("working on it\r\n"))
	if w.AtPrompt() {
		t.Fatal("prompt should disappear once output follows")
	}
}
