// Package logstream reads and writes the append-only NDJSON event-log
// streams consumed by the correlator and the trend engine. Streams are
// independently named files under one directory and are read uniformly.
package logstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const streamSuffix = ".ndjson"

// Record is one parsed stream entry. Every record carries at least a
// timestamp; the rest of the payload stays in Fields.
type Record struct {
	Stream    string
	Timestamp time.Time
	Fields    map[string]interface{}
	Raw       json.RawMessage
}

// Text concatenates the string-valued fields of the record. The
// correlator runs entity extraction over this.
func (r Record) Text() string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if s, ok := r.Fields[k].(string); ok && s != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(s)
		}
	}
	return b.String()
}

// Reader reads every stream in a directory.
type Reader struct {
	dir    string
	logger *slog.Logger
}

// NewReader creates a reader over the given stream directory. A
// missing directory is not an error; it just has no streams.
func NewReader(dir string, logger *slog.Logger) *Reader {
	return &Reader{dir: dir, logger: logger}
}

// Streams lists the available stream names, sorted.
func (r *Reader) Streams() ([]string, error) {
	dirEntries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream dir %q: %w", r.dir, err)
	}

	var names []string
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), streamSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), streamSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the records of one stream with timestamp >= since, in
// file order. Lines without a parseable timestamp are skipped.
func (r *Reader) Read(stream string, since time.Time) ([]Record, error) {
	path := filepath.Join(r.dir, stream+streamSuffix)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open stream %q: %w", stream, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var fields map[string]interface{}
		if err := json.Unmarshal(line, &fields); err != nil {
			r.logger.Debug("Skipping malformed stream line", "stream", stream)
			continue
		}

		ts, ok := parseTimestamp(fields["timestamp"])
		if !ok {
			r.logger.Debug("Skipping stream line without timestamp", "stream", stream)
			continue
		}
		if ts.Before(since) {
			continue
		}

		records = append(records, Record{
			Stream:    stream,
			Timestamp: ts,
			Fields:    fields,
			Raw:       json.RawMessage(append([]byte(nil), line...)),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan stream %q: %w", stream, err)
	}
	return records, nil
}

// ReadAll returns the records of every stream with timestamp >= since.
func (r *Reader) ReadAll(since time.Time) ([]Record, error) {
	streams, err := r.Streams()
	if err != nil {
		return nil, err
	}

	var all []Record
	for _, stream := range streams {
		records, err := r.Read(stream, since)
		if err != nil {
			r.logger.Warn("Failed to read stream, skipping", "stream", stream, "error", err)
			continue
		}
		all = append(all, records...)
	}
	return all, nil
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case float64:
		// Epoch seconds, with a millisecond heuristic.
		if t > 1e12 {
			return time.UnixMilli(int64(t)), true
		}
		if t > 0 {
			return time.Unix(int64(t), 0), true
		}
	}
	return time.Time{}, false
}

// Writer appends records to one named stream.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter opens (creating if needed) the named stream for appending.
func NewWriter(dir, stream string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stream dir: %w", err)
	}
	return &Writer{path: filepath.Join(dir, stream+streamSuffix)}, nil
}

// Append writes one record. A timestamp field is added when the record
// map lacks one.
func (w *Writer) Append(fields map[string]interface{}) error {
	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal stream record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open stream %q: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append stream %q: %w", w.path, err)
	}
	return nil
}
