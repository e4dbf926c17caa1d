package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bulkload/internal/errors"
)

// TestMemoryStore tests the in-memory store implementation
func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		children, err := store.Children(ctx, Root)
		if err != nil {
			t.Fatalf("Failed to list root: %v", err)
		}
		if len(children) != 0 {
			t.Errorf("Expected empty store, got %d children", len(children))
		}

		_, err = store.Get(ctx, NewPath("nonexistent"))
		if !errors.Is(err, errors.ErrNodeNotFound) {
			t.Errorf("Expected ErrNodeNotFound, got %v", err)
		}
	})

	t.Run("create and get values", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Create(ctx, NewPath("a"), []byte("value1")); err != nil {
			t.Fatalf("Failed to create node: %v", err)
		}

		value, err := store.Get(ctx, NewPath("/a"))
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(value, []byte("value1")) {
			t.Errorf("Expected 'value1', got %s", string(value))
		}
	})

	t.Run("create existing node fails", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Create(ctx, NewPath("a"), nil))

		err := store.Create(ctx, NewPath("a"), []byte("x"))
		assert.True(t, errors.Is(err, errors.ErrNodeExists), err)
	})

	t.Run("create requires parent", func(t *testing.T) {
		store := NewMemoryStore()

		err := store.Create(ctx, NewPath("a/b"), nil)
		assert.True(t, errors.Is(err, errors.ErrNodeNotFound), err)

		require.NoError(t, store.Create(ctx, NewPath("a"), nil))
		require.NoError(t, store.Create(ctx, NewPath("a/b"), nil))
	})

	t.Run("set replaces existing value only", func(t *testing.T) {
		store := NewMemoryStore()

		err := store.Set(ctx, NewPath("a"), []byte("x"))
		assert.True(t, errors.Is(err, errors.ErrNodeNotFound), err)

		require.NoError(t, store.Create(ctx, NewPath("a"), []byte("v1")))
		require.NoError(t, store.Set(ctx, NewPath("a"), []byte("v2")))

		value, err := store.Get(ctx, NewPath("a"))
		require.NoError(t, err)
		assert.Equal(t, "v2", string(value))
	})

	t.Run("delete non-recursive refuses nodes with children", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Create(ctx, NewPath("a"), nil))
		require.NoError(t, store.Create(ctx, NewPath("a/b"), nil))

		err := store.Delete(ctx, NewPath("a"), false)
		assert.True(t, errors.Is(err, errors.ErrInvalidState), err)

		require.NoError(t, store.Delete(ctx, NewPath("a/b"), false))
		require.NoError(t, store.Delete(ctx, NewPath("a"), false))
		assert.Equal(t, 0, store.Len())
	})

	t.Run("delete recursive removes subtree", func(t *testing.T) {
		store := NewMemoryStore()
		for _, p := range []string{"a", "a/b", "a/b/c", "a/d", "ab"} {
			require.NoError(t, store.Create(ctx, NewPath(p), []byte(p)))
		}

		require.NoError(t, store.Delete(ctx, NewPath("a"), true))

		assert.Equal(t, map[string]string{"/ab": "ab"}, store.Dump(Root))
	})

	t.Run("delete missing node", func(t *testing.T) {
		store := NewMemoryStore()
		err := store.Delete(ctx, NewPath("missing"), true)
		assert.True(t, errors.Is(err, errors.ErrNodeNotFound), err)
	})

	t.Run("children are direct and sorted", func(t *testing.T) {
		store := NewMemoryStore()
		for _, p := range []string{"r", "r/2", "r/10", "r/1", "r/1/x"} {
			require.NoError(t, store.Create(ctx, NewPath(p), nil))
		}

		children, err := store.Children(ctx, NewPath("r"))
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "10", "2"}, children)

		_, err = store.Children(ctx, NewPath("missing"))
		assert.True(t, errors.Is(err, errors.ErrNodeNotFound), err)
	})

	t.Run("values are isolated from callers", func(t *testing.T) {
		store := NewMemoryStore()
		value := []byte("original")
		require.NoError(t, store.Create(ctx, NewPath("k"), value))

		value[0] = 'X'
		got, err := store.Get(ctx, NewPath("k"))
		require.NoError(t, err)
		assert.Equal(t, "original", string(got))

		got[0] = 'Y'
		again, err := store.Get(ctx, NewPath("k"))
		require.NoError(t, err)
		assert.Equal(t, "original", string(again))
	})

	t.Run("canceled context", func(t *testing.T) {
		store := NewMemoryStore()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		assert.Error(t, store.Create(cctx, NewPath("k"), nil))
		assert.Equal(t, 0, store.Len())
	})
}

func TestMemoryStoreConcurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent creates", func(t *testing.T) {
		store := NewMemoryStore()

		numGoroutines := 50
		numOps := 50

		var wg sync.WaitGroup
		wg.Add(numGoroutines)

		// Each goroutine owns one subtree
		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				parent := NewPath(fmt.Sprintf("g%d", id))
				if err := store.Create(ctx, parent, nil); err != nil {
					t.Errorf("Failed to create parent: %v", err)
					return
				}
				for j := 0; j < numOps; j++ {
					if err := store.Create(ctx, parent.Child(fmt.Sprint(j)), []byte("v")); err != nil {
						t.Errorf("Failed to create: %v", err)
					}
				}
			}(i)
		}

		wg.Wait()

		expected := numGoroutines * (numOps + 1)
		if store.Len() != expected {
			t.Errorf("Expected %d nodes, got %d", expected, store.Len())
		}
	})

	t.Run("racing creates of one node", func(t *testing.T) {
		store := NewMemoryStore()

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := store.Create(ctx, NewPath("once"), nil); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
	})

	t.Run("readers and writers", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Create(ctx, NewPath("k"), []byte("0")))

		done := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
						if _, err := store.Get(ctx, NewPath("k")); err != nil {
							t.Errorf("Failed to get: %v", err)
							return
						}
					}
				}
			}()
		}
		for i := 0; i < 100; i++ {
			require.NoError(t, store.Set(ctx, NewPath("k"), []byte(fmt.Sprint(i))))
		}
		time.Sleep(10 * time.Millisecond)
		close(done)
		wg.Wait()
	})
}

// TestStoreInterface verifies MemoryStore and EtcdStore implement Store
func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*EtcdStore)(nil)
}
