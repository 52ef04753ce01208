package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	lockTimeout = 5 * time.Second
	fileMode    = 0o644
	dirMode     = 0o755
)

// historyFile represents the on-disk history format. Entries are kept in
// insertion order, oldest first.
type historyFile struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

type jsonStore struct {
	path string
	mu   sync.RWMutex
}

// NewStore creates a new JSON-backed history store.
func NewStore(path string) *jsonStore {
	return &jsonStore{path: path}
}

func (s *jsonStore) Add(ctx context.Context, entry Entry) error {
	return s.withExclusiveLock(ctx, func(hf *historyFile) error {
		for _, e := range hf.Entries {
			if e.ID == entry.ID {
				return ErrAlreadyExists
			}
		}

		hf.Entries = append(hf.Entries, entry)
		return nil
	})
}

func (s *jsonStore) Get(ctx context.Context, id string) (*Entry, error) {
	var result *Entry

	err := s.withSharedLock(ctx, func(hf *historyFile) error {
		var matches []int
		for i := range hf.Entries {
			if hf.Entries[i].ID == id || (id != "" && hf.Entries[i].Name == id) {
				matches = []int{i}
				break
			}
			if id != "" && strings.HasPrefix(hf.Entries[i].ID, id) {
				matches = append(matches, i)
			}
		}

		switch len(matches) {
		case 0:
			return ErrNotFound
		case 1:
			entry := hf.Entries[matches[0]]
			result = &entry
			return nil
		default:
			return fmt.Errorf("%w: prefix %q is ambiguous", ErrNotFound, id)
		}
	})

	return result, err
}

func (s *jsonStore) Update(ctx context.Context, entry Entry) error {
	return s.withExclusiveLock(ctx, func(hf *historyFile) error {
		for i := range hf.Entries {
			if hf.Entries[i].ID == entry.ID {
				hf.Entries[i] = entry
				return nil
			}
		}
		return ErrNotFound
	})
}

func (s *jsonStore) Remove(ctx context.Context, id string) error {
	return s.withExclusiveLock(ctx, func(hf *historyFile) error {
		for i := range hf.Entries {
			if hf.Entries[i].ID == id {
				hf.Entries = append(hf.Entries[:i], hf.Entries[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
}

func (s *jsonStore) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	var result []Entry

	err := s.withSharedLock(ctx, func(hf *historyFile) error {
		for i := len(hf.Entries) - 1; i >= 0; i-- {
			e := hf.Entries[i]
			if filter.Build != "" && e.Build != filter.Build {
				continue
			}
			if filter.Status != "" && e.Status != filter.Status {
				continue
			}
			result = append(result, e)
			if filter.Limit > 0 && len(result) == filter.Limit {
				break
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *jsonStore) Prune(ctx context.Context, keep int) ([]Entry, error) {
	var dropped []Entry

	err := s.withExclusiveLock(ctx, func(hf *historyFile) error {
		if keep < 0 || len(hf.Entries) <= keep {
			return nil
		}
		cut := len(hf.Entries) - keep
		dropped = append(dropped, hf.Entries[:cut]...)
		hf.Entries = append([]Entry(nil), hf.Entries[cut:]...)
		return nil
	})

	if err != nil {
		return nil, err
	}
	return dropped, nil
}

// withSharedLock executes fn with a shared (read) lock.
func (s *jsonStore) withSharedLock(ctx context.Context, fn func(*historyFile) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hf, file, err := s.openAndLock(ctx, false)
	if err != nil {
		return err
	}
	defer s.unlockAndClose(file)

	return fn(hf)
}

// withExclusiveLock executes fn with an exclusive (write) lock.
// Changes made by fn are persisted to disk.
func (s *jsonStore) withExclusiveLock(ctx context.Context, fn func(*historyFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hf, file, err := s.openAndLock(ctx, true)
	if err != nil {
		return err
	}
	defer s.unlockAndClose(file)

	if err := fn(hf); err != nil {
		return err
	}

	return s.save(hf)
}

// openAndLock opens the history file and acquires a lock.
func (s *jsonStore) openAndLock(ctx context.Context, exclusive bool) (*historyFile, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return nil, nil, fmt.Errorf("create history directory: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, fileMode)
	if err != nil {
		return nil, nil, fmt.Errorf("open history file: %w", err)
	}

	if err := acquireLock(ctx, file, exclusive); err != nil {
		file.Close()
		return nil, nil, err
	}

	hf, err := s.load(file)
	if err != nil {
		s.unlockAndClose(file)
		return nil, nil, err
	}

	return hf, file, nil
}

// acquireLock polls for a file lock until lockTimeout.
func acquireLock(ctx context.Context, file *os.File, exclusive bool) error {
	deadline := time.Now().Add(lockTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		locked, err := tryLock(file, exclusive)
		if err != nil {
			return fmt.Errorf("acquire file lock: %w", err)
		}
		if locked {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		time.Sleep(10 * time.Millisecond)
	}
}

// unlockAndClose releases the lock and closes the file.
func (s *jsonStore) unlockAndClose(file *os.File) {
	unlock(file)
	file.Close()
}

// load reads and parses the history file.
func (s *jsonStore) load(file *os.File) (*historyFile, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat history file: %w", err)
	}

	if info.Size() == 0 {
		return &historyFile{Version: 1, Entries: []Entry{}}, nil
	}

	if _, err := file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek history file: %w", err)
	}

	var hf historyFile
	if err := json.NewDecoder(file).Decode(&hf); err != nil {
		return nil, fmt.Errorf("decode history file: %w", err)
	}

	return &hf, nil
}

// save writes the history to disk atomically.
func (s *jsonStore) save(hf *historyFile) error {
	hf.Version = 1

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "history-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(hf); err != nil {
		tmp.Close()
		return fmt.Errorf("encode history: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename history file: %w", err)
	}

	tmpPath = ""
	return nil
}
