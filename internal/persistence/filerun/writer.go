package filerun

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
)

// WriterState tracks whether a writer currently owns an open file handle.
type WriterState int

const (
	WriterStateClosed WriterState = iota
	WriterStateOpen
)

// ErrWriterNotOpen is returned when appending to a writer that has not been
// opened or was already closed.
var ErrWriterNotOpen = errors.New("writer is not open")

// Writer appends JSON records, one per line, to a single file. Every append
// flushes, so a crash loses at most the line being written. Writers are safe
// for concurrent use.
type Writer struct {
	target     string
	state      WriterState
	writer     *bufio.Writer
	file       *os.File
	mu         sync.Mutex
	bufferSize int
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithBufferSize overrides the write buffer size.
func WithBufferSize(size int) WriterOption {
	return func(w *Writer) {
		w.bufferSize = size
	}
}

// NewWriter creates a closed writer for the target path.
func NewWriter(target string, opts ...WriterOption) *Writer {
	w := &Writer{
		target:     target,
		state:      WriterStateClosed,
		bufferSize: 4096,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Open creates the target's directory when missing and opens the file for
// appending. Opening an open writer is a no-op.
func (w *Writer) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WriterStateOpen {
		return nil
	}
	dir := filepath.Dir(w.target)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	file, err := os.OpenFile(w.target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", w.target, err)
	}
	w.file = file
	w.writer = bufio.NewWriterSize(file, w.bufferSize)
	w.state = WriterStateOpen
	return nil
}

// Append serializes v to JSON and writes it as one line.
func (w *Writer) Append(ctx context.Context, v any) error {
	if err := w.append(v); err != nil {
		logger.Error(ctx, "Failed to append record",
			tag.Path(w.target),
			tag.Error(err),
		)
		return err
	}
	return nil
}

func (w *Writer) append(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WriterStateOpen {
		return ErrWriterNotOpen
	}
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := w.writer.Write(jsonBytes); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush data: %w", err)
	}
	return nil
}

// Close flushes buffered data, syncs, and closes the file. Closing a closed
// writer is a no-op.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.close(); err != nil {
		logger.Error(ctx, "Failed to close writer",
			tag.Path(w.target),
			tag.Error(err),
		)
		return err
	}
	return nil
}

func (w *Writer) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WriterStateClosed {
		return nil
	}
	var errs []error
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush error: %w", err))
		}
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync error: %w", err))
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close error: %w", err))
		}
	}
	w.writer = nil
	w.file = nil
	w.state = WriterStateClosed
	return errors.Join(errs...)
}

// IsOpen reports whether the writer currently owns an open handle.
func (w *Writer) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == WriterStateOpen
}
