package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ownershipMirror/internal/model"
)

// TerminalLog is an append-only JSONL file of dead letters that exhausted
// their retries. Operators tail it; the store keeps the entries too.
type TerminalLog struct {
	path string
	mu   sync.Mutex
}

func NewTerminalLog(path string) *TerminalLog {
	return &TerminalLog{path: path}
}

// PutDeadLetters appends one line per entry.
func (l *TerminalLog) PutDeadLetters(entries []model.DeadLetter) error {
	if len(entries) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create terminal log dir: %w", err)
		}
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open terminal log: %w", err)
	}
	defer file.Close()

	buf := bufio.NewWriter(file)
	enc := json.NewEncoder(buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("encode dead letter %s: %w", entry.Key(), err)
		}
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flush terminal log: %w", err)
	}
	return file.Sync()
}
