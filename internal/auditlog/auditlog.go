// Package auditlog provides append-only NDJSON record logs. The audit
// trail for playbook and verification events must never be rewritten;
// ledgers that support compaction (the knowledge store) use the
// optional Rewriter interface.
package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Log appends structured records and reads them back in order.
type Log interface {
	Append(record interface{}) error
	ReadAll() ([]json.RawMessage, error)
}

// Rewriter is implemented by logs that support destructive compaction.
// The playbook audit trail deliberately never uses it.
type Rewriter interface {
	Rewrite(records []interface{}) error
}

// FileLog is a line-delimited JSON file, one record per line, opened
// for append on every write so concurrent appenders interleave whole
// lines.
type FileLog struct {
	mu   sync.Mutex
	path string
}

// NewFileLog creates the parent directory if needed.
func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &FileLog{path: path}, nil
}

// Append marshals the record and appends it as one line.
func (l *FileLog) Append(record interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log %q: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append log %q: %w", l.path, err)
	}
	return nil
}

// ReadAll returns every parseable line in order. Malformed lines are
// skipped rather than failing the whole read.
func (l *FileLog) ReadAll() ([]json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log %q: %w", l.path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		records = append(records, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log %q: %w", l.path, err)
	}
	return records, nil
}

// Rewrite atomically replaces the log contents with the given records.
func (l *FileLog) Rewrite(records []interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("marshal log record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write temp log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flush temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp log: %w", err)
	}

	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace log %q: %w", l.path, err)
	}
	return nil
}

// MemLog is the in-memory test double.
type MemLog struct {
	mu      sync.Mutex
	records []json.RawMessage
}

// NewMemLog creates an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{}
}

// Append implements Log.
func (l *MemLog) Append(record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, data)
	return nil
}

// ReadAll implements Log.
func (l *MemLog) ReadAll() ([]json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]json.RawMessage, len(l.records))
	copy(out, l.records)
	return out, nil
}

// Rewrite implements Rewriter.
func (l *MemLog) Rewrite(records []interface{}) error {
	var out []json.RawMessage
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		out = append(out, data)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = out
	return nil
}
