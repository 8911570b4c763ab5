package director

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// sessionLayout manages the on-disk layout of one epoch:
//
//	sessions/<epoch_id>/
//	  journal.log
//	  turns/<n>/output
//	  turns/<n>/meta
//	  artifacts/*
type sessionLayout struct {
	root string
}

func newSessionLayout(sessionsDir, epochID string) (*sessionLayout, error) {
	root := filepath.Join(sessionsDir, epochID)
	for _, dir := range []string{root, filepath.Join(root, "turns"), filepath.Join(root, "artifacts")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create session directory %s: %w", dir, err)
		}
	}
	return &sessionLayout{root: root}, nil
}

func (s *sessionLayout) journalPath() string {
	return filepath.Join(s.root, "journal.log")
}

func (s *sessionLayout) artifactsDir() string {
	return filepath.Join(s.root, "artifacts")
}

// openTurnOutput creates turns/<n>/output for appending captured stdout.
func (s *sessionLayout) openTurnOutput(turnID int) (*os.File, error) {
	dir := filepath.Join(s.root, "turns", strconv.Itoa(turnID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create turn directory: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, "output"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// writeTurnMeta writes turns/<n>/meta as a YAML TurnSummary record.
func (s *sessionLayout) writeTurnMeta(summary *v1.TurnSummary) error {
	dir := filepath.Join(s.root, "turns", strconv.Itoa(summary.TurnID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create turn directory: %w", err)
	}
	data, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("cannot marshal turn meta: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "meta"), data, 0644)
}
