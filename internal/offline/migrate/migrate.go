// Package migrate moves pending operations in and out of the queue as JSONL
// or YAML files, for backups and for moving a queue between devices.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/offline/schema"
)

// Format is a file format for operation lists.
type Format string

const (
	// FormatJSONL writes one JSON operation per line.
	FormatJSONL Format = "jsonl"
	// FormatYAML writes a YAML sequence of operations.
	FormatYAML Format = "yaml"
)

// DetectFormat picks a format from the file extension. Anything other than
// .yaml or .yml is treated as JSONL.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSONL
	}
}

// ParseFormat converts a flag value into a Format. An empty value means
// detect from the path.
func ParseFormat(s, path string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "":
		return DetectFormat(path), nil
	case FormatJSONL, "json":
		return FormatJSONL, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format %q (must be jsonl or yaml)", s)
	}
}

// ReadJSONL parses one operation per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]*schema.PendingOperation, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var ops []*schema.PendingOperation
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var op schema.PendingOperation
		if err := json.Unmarshal([]byte(line), &op); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		ops = append(ops, &op)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return ops, nil
}

// WriteJSONL writes one operation per line.
func WriteJSONL(w io.Writer, ops []*schema.PendingOperation) error {
	enc := json.NewEncoder(w)
	for _, op := range ops {
		if err := enc.Encode(op); err != nil {
			return fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
		}
	}
	return nil
}

// ReadYAML parses a YAML sequence of operations. An empty document is an
// empty list.
func ReadYAML(r io.Reader) ([]*schema.PendingOperation, error) {
	var ops []*schema.PendingOperation
	if err := yaml.NewDecoder(r).Decode(&ops); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return ops, nil
}

// WriteYAML writes ops as a YAML sequence.
func WriteYAML(w io.Writer, ops []*schema.PendingOperation) error {
	if ops == nil {
		ops = []*schema.PendingOperation{}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(ops); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}

// Read parses r in the given format.
func Read(r io.Reader, format Format) ([]*schema.PendingOperation, error) {
	if format == FormatYAML {
		return ReadYAML(r)
	}
	return ReadJSONL(r)
}

// Write serializes ops to w in the given format.
func Write(w io.Writer, format Format, ops []*schema.PendingOperation) error {
	if format == FormatYAML {
		return WriteYAML(w, ops)
	}
	return WriteJSONL(w, ops)
}

// WriteFile writes ops to path atomically via a temp file.
func WriteFile(path string, format Format, ops []*schema.PendingOperation) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := Write(f, format, ops); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	Path   string // Output file path
	Format Format // Defaults to DetectFormat(Path)
}

// Export writes the queued operations to a file and returns how many were
// written.
func Export(ctx context.Context, q *queue.Queue, opts ExportOptions) (int, error) {
	if opts.Path == "" {
		return 0, fmt.Errorf("output path cannot be empty")
	}
	if opts.Format == "" {
		opts.Format = DetectFormat(opts.Path)
	}
	if err := q.Load(ctx); err != nil {
		return 0, fmt.Errorf("failed to load queue: %w", err)
	}

	ops := q.Pending()
	if err := WriteFile(opts.Path, opts.Format, ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	Path   string // Input file path
	Format Format // Defaults to DetectFormat(Path)

	// DryRun validates the file without touching the queue.
	DryRun bool

	// Backup exports the current queue next to the input before importing.
	Backup bool

	// ResetRetries zeroes retry_count on imported operations.
	ResetRetries bool

	// Now stamps backup file names. Defaults to time.Now.
	Now func() time.Time
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read          int
	Imported      int
	Replaced      int // same collection and record id as an operation already queued
	Skipped       int
	BackupCreated string
	Errors        []string
}

// Import reads operations from a file and adds them to q, applying the
// queue's replace rule. Invalid operations are skipped and reported in
// Errors; they never abort the import.
func Import(ctx context.Context, q *queue.Queue, opts ImportOptions) (*ImportResult, error) {
	if opts.Format == "" {
		opts.Format = DetectFormat(opts.Path)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	// #nosec G304 - controlled path from CLI
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	ops, err := Read(f, opts.Format)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", opts.Format, err)
	}

	if err := q.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	result := &ImportResult{Read: len(ops)}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.Path + ".backup." + opts.Now().Format("20060102-150405")
		if err := WriteFile(backupPath, opts.Format, q.Pending()); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	seen := make(map[string]bool)
	for _, op := range q.Pending() {
		if key := op.DedupKey(); key != "" {
			seen[key] = true
		}
	}

	valid := make([]*schema.PendingOperation, 0, len(ops))
	for i, op := range ops {
		if op == nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d: empty operation", i+1))
			continue
		}
		if opts.ResetRetries {
			op.RetryCount = 0
		}
		if err := op.Validate(); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d (%s): %v", i+1, op.ID, err))
			continue
		}
		if key := op.DedupKey(); key != "" {
			if seen[key] {
				result.Replaced++
			}
			seen[key] = true
		}
		valid = append(valid, op)
	}
	result.Imported = len(valid)

	if opts.DryRun || len(valid) == 0 {
		return result, nil
	}
	if err := q.Add(ctx, valid...); err != nil {
		return nil, fmt.Errorf("failed to add operations: %w", err)
	}
	return result, nil
}
