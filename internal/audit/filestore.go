package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
)

const (
	fileExtension   = ".jsonl"
	dirPermissions  = 0750
	filePermissions = 0640
	dateFormat      = "2006-01-02"
)

// Store persists audit entries.
type Store interface {
	// Append adds a new audit entry to the store.
	Append(ctx context.Context, entry *Entry) error
	// Query retrieves audit entries matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) (*QueryResult, error)
}

// FileStore implements Store on the local filesystem. Entries are stored as
// JSON lines in daily log files.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file-based audit store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.New("audit: baseDir cannot be empty")
	}
	if err := os.MkdirAll(baseDir, dirPermissions); err != nil {
		return nil, fmt.Errorf("audit: failed to create directory %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// filePath returns the daily file holding entries for the given date.
func (s *FileStore) filePath(date time.Time) string {
	return filepath.Join(s.baseDir, date.Format(dateFormat)+fileExtension)
}

// Append adds a new audit entry to the current daily file.
func (s *FileStore) Append(_ context.Context, entry *Entry) error {
	if entry == nil {
		return errors.New("audit: entry cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal entry: %w", err)
	}

	path := s.filePath(entry.Timestamp)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermissions) //nolint:gosec // controlled path
	if err != nil {
		return fmt.Errorf("audit: failed to open file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write entry: %w", err)
	}
	return nil
}

// Query scans the daily files covering the filter's time range and returns
// matching entries newest first, paginated by offset and limit.
func (s *FileStore) Query(ctx context.Context, filter QueryFilter) (*QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	startDate := filter.StartTime
	endDate := filter.EndTime

	// Default to the last 7 days when no range is given.
	switch {
	case startDate.IsZero() && endDate.IsZero():
		endDate = time.Now().UTC()
		startDate = endDate.AddDate(0, 0, -7)
	case startDate.IsZero():
		startDate = endDate.AddDate(0, 0, -7)
	case endDate.IsZero():
		endDate = time.Now().UTC()
	}

	var all []*Entry

	// Day-truncated bounds cover files whose entries may match mid-day
	// filter timestamps; exact times are re-checked per entry.
	fileStart := startDate.Truncate(24 * time.Hour)
	fileEnd := endDate.Truncate(24 * time.Hour)
	for d := fileStart; !d.After(fileEnd); d = d.AddDate(0, 0, 1) {
		entries, err := s.readFile(ctx, s.filePath(d), filter)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		all = append(all, entries...)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})

	total := len(all)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return &QueryResult{Entries: []*Entry{}, Total: total}, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}

	return &QueryResult{Entries: all, Total: total}, nil
}

// readFile reads and filters entries from a single daily file.
func (s *FileStore) readFile(ctx context.Context, path string, filter QueryFilter) ([]*Entry, error) {
	f, err := os.Open(path) //nolint:gosec // controlled path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		entry := new(Entry)
		if err := json.Unmarshal(scanner.Bytes(), entry); err != nil {
			logger.Warn(ctx, "Skipping malformed audit entry",
				tag.Path(path), "line", line, tag.Error(err))
			continue
		}
		if filter.Category != "" && entry.Category != filter.Category {
			continue
		}
		if filter.ExecutionID != "" && entry.ExecutionID != filter.ExecutionID {
			continue
		}
		if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to read file %s: %w", path, err)
	}
	return entries, nil
}

// RemoveOld deletes daily files older than the retention window and returns
// how many files were removed. The manager's retention job is the caller.
func (s *FileStore) RemoveOld(ctx context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention).Format(dateFormat)
	names, err := filepath.Glob(filepath.Join(s.baseDir, "*"+fileExtension))
	if err != nil {
		return 0, fmt.Errorf("audit: failed to list files: %w", err)
	}

	removed := 0
	for _, path := range names {
		day := strings.TrimSuffix(filepath.Base(path), fileExtension)
		if _, err := time.Parse(dateFormat, day); err != nil {
			continue // not a daily audit file
		}
		if day >= cutoff {
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn(ctx, "Failed to remove expired audit file",
				tag.Path(path), tag.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
