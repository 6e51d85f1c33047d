package connectors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
)

// fileTailState tracks per-file byte offsets across poll cycles so a
// FileTailConnector only yields lines appended since the last poll.
type fileTailState struct {
	mu      sync.Mutex
	offsets map[string]int64
}

const maxTailLineBytes = 1 << 20 // 1MiB, generous for a single log line

// tailFile reads the lines appended to path since this state last saw it.
// A file shorter than its recorded offset is treated as rotated/truncated
// and re-read from the start.
func (s *fileTailState) tailFile(path, source string) ([]ecs.RawEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	offset := s.offsets[path]
	s.mu.Unlock()
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxTailLineBytes)

	var events []ecs.RawEvent
	read := offset
	now := time.Now().UTC()
	for scanner.Scan() {
		line := scanner.Text()
		read += int64(len(line)) + 1
		if strings.TrimSpace(line) == "" {
			continue
		}
		events = append(events, ecs.RawEvent{
			Data:      line,
			Source:    source,
			Timestamp: now,
			Metadata:  map[string]any{"file": path},
		})
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}

	s.mu.Lock()
	s.offsets[path] = read
	s.mu.Unlock()
	return events, nil
}

// pollOnce walks root and tails every regular file matching cfg's
// include/exclude patterns, returning every new line found as a RawEvent.
// A single unreadable file is logged and skipped rather than aborting the
// whole poll.
func (s *fileTailState) pollOnce(ctx context.Context, root string, cfg Config, log *slog.Logger) ([]ecs.RawEvent, error) {
	var events []ecs.RawEvent
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if !ShouldInclude(cfg, rel) {
			return nil
		}
		found, tailErr := s.tailFile(path, rel)
		if tailErr != nil {
			log.Warn("file tail connector: failed to read file", "path", path, "error", tailErr)
			return nil
		}
		events = append(events, found...)
		return nil
	})
	return events, err
}

// NewFileTailConnector builds a PollingConnector that tails every file
// under root matching cfg's include/exclude globs, yielding each newly
// appended line as a RawEvent — the concrete poll source for on-disk log
// files (auth logs, CEF/EVE/Zeek exports, osquery result files) that feed
// the parser registry. Grounded on original_source's
// PollingConnector.poll() override point (base.py); file tailing itself
// has no original_source counterpart (the original targets API/queue
// sources), so the read/offset-tracking logic is new.
func NewFileTailConnector(cfg Config, root string, logger *slog.Logger) *PollingConnector {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "connectors.filetail", "name", cfg.Name, "root", root)
	state := &fileTailState{offsets: map[string]int64{}}

	poll := func(ctx context.Context) ([]ecs.RawEvent, error) {
		return state.pollOnce(ctx, root, cfg, log)
	}
	connectFn := func(ctx context.Context) error {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", root)
		}
		return nil
	}
	disconnectFn := func(ctx context.Context) error { return nil }
	healthFn := func(ctx context.Context) error {
		_, err := os.Stat(root)
		return err
	}

	return NewPollingConnector(cfg, poll, connectFn, disconnectFn, healthFn, logger)
}
