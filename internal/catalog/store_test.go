package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *jsonStore {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "history.json"))
}

func TestNewStore(t *testing.T) {
	store := NewStore("/tmp/history.json")

	require.NotNil(t, store)
	assert.Equal(t, "/tmp/history.json", store.path)
}

func TestStatus_Final(t *testing.T) {
	assert.False(t, StatusRunning.Final())
	assert.False(t, Status("").Final())
	assert.True(t, StatusSucceeded.Final())
	assert.True(t, StatusFailed.Final())
	assert.True(t, StatusCancelled.Final())
	assert.True(t, StatusLaunchError.Final())
}

func TestStore_Add(t *testing.T) {
	ctx := context.Background()

	t.Run("adds new run", func(t *testing.T) {
		store := newTestStore(t)

		entry := Entry{
			ID:        "0b6f3c1e-run",
			Build:     "test",
			Command:   "go test ./...",
			Shell:     true,
			Dir:       "/src/project",
			StartedAt: time.Now(),
			Status:    StatusRunning,
		}
		require.NoError(t, store.Add(ctx, entry))

		got, err := store.Get(ctx, "0b6f3c1e-run")
		require.NoError(t, err)
		assert.Equal(t, entry.Build, got.Build)
		assert.Equal(t, entry.Command, got.Command)
		assert.True(t, got.Shell)
	})

	t.Run("returns ErrAlreadyExists for duplicate ID", func(t *testing.T) {
		store := newTestStore(t)

		require.NoError(t, store.Add(ctx, Entry{ID: "abc", Build: "one"}))

		err := store.Add(ctx, Entry{ID: "abc", Build: "two"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})
}

func TestStore_Get(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Add(ctx, Entry{ID: "abc123"}))
	require.NoError(t, store.Add(ctx, Entry{ID: "abd456", Name: "focused_turing"}))

	t.Run("exact ID", func(t *testing.T) {
		got, err := store.Get(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, "abc123", got.ID)
	})

	t.Run("unique prefix", func(t *testing.T) {
		got, err := store.Get(ctx, "abd")
		require.NoError(t, err)
		assert.Equal(t, "abd456", got.ID)
	})

	t.Run("name", func(t *testing.T) {
		got, err := store.Get(ctx, "focused_turing")
		require.NoError(t, err)
		assert.Equal(t, "abd456", got.ID)
	})

	t.Run("name prefix is not a match", func(t *testing.T) {
		_, err := store.Get(ctx, "focused")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := store.Get(ctx, "ab")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "ambiguous")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.Get(ctx, "zzz")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("updates existing run", func(t *testing.T) {
		store := newTestStore(t)

		entry := Entry{ID: "abc123", Build: "test", Status: StatusRunning}
		require.NoError(t, store.Add(ctx, entry))

		entry.Status = StatusFailed
		entry.ExitCode = 2
		entry.Duration = 1500 * time.Millisecond
		require.NoError(t, store.Update(ctx, entry))

		got, err := store.Get(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, 2, got.ExitCode)
		assert.Equal(t, 1500*time.Millisecond, got.Duration)
	})

	t.Run("returns ErrNotFound for missing run", func(t *testing.T) {
		store := newTestStore(t)

		err := store.Update(ctx, Entry{ID: "nonexistent"})

		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()

	t.Run("removes existing run", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Add(ctx, Entry{ID: "abc123"}))

		require.NoError(t, store.Remove(ctx, "abc123"))

		_, err := store.Get(ctx, "abc123")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returns ErrNotFound for missing run", func(t *testing.T) {
		store := newTestStore(t)

		err := store.Remove(ctx, "nonexistent")

		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Add(ctx, Entry{ID: "a", Build: "test", Status: StatusSucceeded}))
	require.NoError(t, store.Add(ctx, Entry{ID: "b", Build: "lint", Status: StatusFailed}))
	require.NoError(t, store.Add(ctx, Entry{ID: "c", Build: "test", Status: StatusFailed}))

	ids := func(entries []Entry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{name: "newest first", filter: ListFilter{}, want: []string{"c", "b", "a"}},
		{name: "by build", filter: ListFilter{Build: "test"}, want: []string{"c", "a"}},
		{name: "by status", filter: ListFilter{Status: StatusFailed}, want: []string{"c", "b"}},
		{name: "limit", filter: ListFilter{Limit: 2}, want: []string{"c", "b"}},
		{name: "no matches", filter: ListFilter{Build: "deploy"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(entries))
		})
	}
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := range 5 {
		require.NoError(t, store.Add(ctx, Entry{ID: fmt.Sprintf("run-%d", i)}))
	}

	dropped, err := store.Prune(ctx, 2)
	require.NoError(t, err)
	require.Len(t, dropped, 3)
	assert.Equal(t, "run-0", dropped[0].ID)

	entries, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "run-4", entries[0].ID)
	assert.Equal(t, "run-3", entries[1].ID)

	dropped, err = store.Prune(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dropped)
}

func TestStore_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")

	store1 := NewStore(path)
	require.NoError(t, store1.Add(ctx, Entry{ID: "abc123", Build: "test"}))

	store2 := NewStore(path)
	got, err := store2.Get(ctx, "abc123")

	require.NoError(t, err)
	assert.Equal(t, "test", got.Build)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()

	t.Run("handles concurrent reads", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Add(ctx, Entry{ID: "abc123"}))

		var wg sync.WaitGroup
		errs := make(chan error, 10)

		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Get(ctx, "abc123"); err != nil {
					errs <- err
				}
			}()
		}

		wg.Wait()
		close(errs)

		for err := range errs {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("handles concurrent writes", func(t *testing.T) {
		store := newTestStore(t)

		var wg sync.WaitGroup
		for i := range 10 {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				assert.NoError(t, store.Add(ctx, Entry{ID: fmt.Sprintf("run-%d", idx)}))
			}(i)
		}
		wg.Wait()

		entries, err := store.List(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Len(t, entries, 10)
	})
}

func TestStore_ContextCancellation(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Add(ctx, Entry{ID: "abc123"})

	assert.ErrorIs(t, err, context.Canceled)
}
