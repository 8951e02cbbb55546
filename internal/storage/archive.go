package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tokenledger/internal/model"
)

// Archive appends the raw logs behind stored events to one JSONL file per
// contract, so a chunk can be re-decoded without calling the provider again.
type Archive struct {
	dir string
	mu  sync.Mutex
}

func NewArchive(dir string) *Archive {
	return &Archive{dir: dir}
}

// Path returns the archive file of contract.
func (a *Archive) Path(contract string) string {
	return filepath.Join(a.dir, model.NormalizeAddress(contract)+".jsonl")
}

// PutLogBatch appends a batch of log records as JSON lines.
func (a *Archive) PutLogBatch(contract string, logs []model.LogRecord) error {
	if len(logs) == 0 {
		return nil
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.OpenFile(a.Path(contract), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, record := range logs {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal log record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write log record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	return nil
}

// ReadLogs loads every archived record of contract.
func (a *Archive) ReadLogs(contract string) ([]model.LogRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.Path(contract))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	defer file.Close()

	out := make([]model.LogRecord, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var record model.LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("parse archive line %d: %w", len(out)+1, err)
		}
		out = append(out, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return out, nil
}
