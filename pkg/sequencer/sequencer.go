package sequencer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dlog/pkg/dlogerrors"
)

// Sequencer is a crash-safe monotonic counter. The counter value is the
// byte length of a sparse file: extending the length and syncing is the
// whole write path, and recovery is a single stat. The file content is
// never written, only its size matters.
type Sequencer struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	val      uint64
	closed   bool
}

// Open creates or reopens the counter file for one coordinator identity.
// The recovered value is the current file length.
func Open(path string) (*Sequencer, error) {
	if path == "" {
		return nil, fmt.Errorf("empty sequencer path: %w", dlogerrors.ErrInvalidArgument)
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create sequencer directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequencer file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat sequencer file: %w", err)
	}

	return &Sequencer{
		file:     file,
		filePath: path,
		val:      uint64(info.Size()),
	}, nil
}

// Increment extends the counter by delta and returns the new value. The
// new length is synced to disk before the value is returned; a failed sync
// means the value did not advance and the call may be retried safely.
func (s *Sequencer) Increment(delta uint64) (uint64, error) {
	if delta == 0 {
		return 0, fmt.Errorf("zero delta: %w", dlogerrors.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, dlogerrors.ErrClosed
	}

	// A previous increment may have extended the file on disk without
	// reporting success (sync failure). Re-reading the length keeps the
	// extend from ever shrinking the file.
	info, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", dlogerrors.ErrSequencerIO, s.filePath, err)
	}
	base := s.val
	if onDisk := uint64(info.Size()); onDisk > base {
		base = onDisk
	}

	next := base + delta
	if err := s.file.Truncate(int64(next)); err != nil {
		return 0, fmt.Errorf("%w: extend %s: %v", dlogerrors.ErrSequencerIO, s.filePath, err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: sync %s: %v", dlogerrors.ErrSequencerIO, s.filePath, err)
	}

	s.val = next
	return next, nil
}

// Current returns the last durably assigned value.
func (s *Sequencer) Current() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, dlogerrors.ErrClosed
	}
	return s.val, nil
}

func (s *Sequencer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close sequencer file: %w", err)
	}
	return nil
}
