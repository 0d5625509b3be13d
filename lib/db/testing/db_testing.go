package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dState/lib/db"
	"github.com/ValentinKolb/dState/lib/status"
)

// DBFactory is a function that creates a new, empty instance of a KVDB implementation.
// The testing.TB can be used to register cleanup functions or create temp dirs.
type DBFactory func(t testing.TB) db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory(t))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory(t))
		})

		t.Run("ReadYourWrites", func(t *testing.T) {
			testReadYourWrites(t, factory(t))
		})

		t.Run("Discard", func(t *testing.T) {
			testDiscard(t, factory(t))
		})

		t.Run("Atomicity", func(t *testing.T) {
			testAtomicity(t, factory(t))
		})

		t.Run("SnapshotIsolation", func(t *testing.T) {
			testSnapshotIsolation(t, factory(t))
		})

		t.Run("IteratePrefix", func(t *testing.T) {
			testIteratePrefix(t, factory(t))
		})

		t.Run("IterateAndModify", func(t *testing.T) {
			testIterateAndModify(t, factory(t))
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory(t))
		})

		t.Run("ConcurrentReaders", func(t *testing.T) {
			testConcurrentReaders(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// commit runs fn in a new transaction and commits it
func commit(t testing.TB, database db.KVDB, fn func(tx db.Transaction)) {
	t.Helper()
	tx, err := database.NewTransaction()
	if err != nil {
		t.Fatalf("NewTransaction failed: %v", err)
	}
	fn(tx)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

// committedValue reads key from a fresh snapshot
func committedValue(t testing.TB, database db.KVDB, key string) ([]byte, bool) {
	t.Helper()
	snap, err := database.NewSnapshot()
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	defer snap.Close()

	value, err := snap.Get([]byte(key))
	if errors.Is(err, status.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", key, err)
	}
	return value, true
}

type kv struct {
	key, value string
}

// collect iterates prefix and returns all visited pairs
func collect(t testing.TB, r db.Reader, prefix string) []kv {
	t.Helper()
	var out []kv
	err := r.Iterate([]byte(prefix), func(k, v []byte) bool {
		out = append(out, kv{string(k), string(v)})
		return true
	})
	if err != nil {
		t.Fatalf("Iterate(%q) failed: %v", prefix, err)
	}
	return out
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTransactions|db.FeatureSnapshots)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	commit(t, database, func(tx db.Transaction) {
		if err := tx.Set([]byte(testKey), testValue1); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	})

	result, exists := committedValue(t, database, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	commit(t, database, func(tx db.Transaction) {
		_ = tx.Set([]byte(testKey), testValue2)
	})

	result, _ = committedValue(t, database, testKey)
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	if _, exists = committedValue(t, database, "nonexistent-key"); exists {
		t.Errorf("Expected nonexistent key to return NotFound")
	}

	// values returned by Get must be copies
	retrieved, _ := committedValue(t, database, testKey)
	retrieved[0] = 'X'
	original, _ := committedValue(t, database, testKey)
	if bytes.Equal(retrieved, original) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	// the engine must not keep a reference to the caller's buffer
	buf := []byte("buffer-value")
	commit(t, database, func(tx db.Transaction) {
		_ = tx.Set([]byte("buffer-key"), buf)
	})
	buf[0] = 'X'
	if stored, _ := committedValue(t, database, "buffer-key"); !bytes.Equal(stored, []byte("buffer-value")) {
		t.Errorf("Set must copy the value, got %s", stored)
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTransactions|db.FeatureSnapshots)

	commit(t, database, func(tx db.Transaction) {
		_ = tx.Set([]byte("a"), []byte("1"))
		_ = tx.Set([]byte("b"), []byte("2"))
	})
	commit(t, database, func(tx db.Transaction) {
		if err := tx.Delete([]byte("a")); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		// deleting a missing key is not an error
		if err := tx.Delete([]byte("missing")); err != nil {
			t.Fatalf("Delete of a missing key failed: %v", err)
		}
	})

	if _, exists := committedValue(t, database, "a"); exists {
		t.Errorf("Expected key a to be deleted")
	}
	if _, exists := committedValue(t, database, "b"); !exists {
		t.Errorf("Expected key b to survive the deletion of a")
	}
}

func testReadYourWrites(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTransactions)

	commit(t, database, func(tx db.Transaction) {
		_ = tx.Set([]byte("p/1"), []byte("old"))
		_ = tx.Set([]byte("p/2"), []byte("two"))
	})

	tx, err := database.NewTransaction()
	if err != nil {
		t.Fatalf("NewTransaction failed: %v", err)
	}
	defer tx.Discard()

	_ = tx.Set([]byte("p/1"), []byte("new"))
	_ = tx.Set([]byte("p/3"), []byte("three"))
	_ = tx.Delete([]byte("p/2"))

	value, err := tx.Get([]byte("p/1"))
	if err != nil || string(value) != "new" {
		t.Errorf("Expected own write 'new', got %q (%v)", value, err)
	}
	if _, err := tx.Get([]byte("p/2")); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("Expected own delete to hide p/2, got %v", err)
	}

	got := collect(t, tx, "p/")
	want := []kv{{"p/1", "new"}, {"p/3", "three"}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected iteration %v, got %v", want, got)
	}
}

func testDiscard(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTransactions|db.FeatureSnapshots)

	commit(t, database, func(tx db.Transaction) {
		_ = tx.Set([]byte("keep"), []byte("v1"))
	})

	tx, err := database.NewTransaction()
	if err != nil {
		t.Fatalf("NewTransaction failed: %v", err)
	}
	_ = tx.Set([]byte("keep"), []byte("v2"))
	_ = tx.Set([]byte("new"), []byte("x"))
	tx.Discard()
	tx.Discard() // idempotent

	if value, _ := committedValue(t, database, "keep"); string(value) != "v1" {
		t.Errorf("Discarded write must not be visible, got %s", value)
	}
	if _, exists := committedValue(t, database, "new"); exists {
		t.Errorf("Discarded insert must not be visible")
	}

	// a committed transaction can not be reused
	tx, _ = database.NewTransaction()
	_ = tx.Set([]byte("k"), []byte("v"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	tx.Discard() // no-op after commit
	if _, exists := committedValue(t, database, "k"); !exists {
		t.Errorf("Discard after Commit must not undo the commit")
	}
	if err := tx.Commit(); err == nil {
		t.Errorf("Expected second Commit to fail")
	}
}

func testAtomicity(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTransactions|db.FeatureSnapshots)

	const n = 100
	tx, err := database.NewTransaction()
	if err != nil {
		t.Fatalf("NewTransaction failed: %v", err)
	}
	for i := 0; i < n; i++ {
		_ = tx.Set([]byte(fmt.Sprintf("batch/%03d", i)), []byte("v"))
	}

	// nothing is visible before the commit
	snap, _ := database.NewSnapshot()
	if got := collect(t, snap, "batch/"); len(got) != 0 {
		t.Errorf("Expected uncommitted writes to be invisible, saw %d", len(got))
	}
	snap.Close()

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	snap, _ = database.NewSnapshot()
	defer snap.Close()
	if got := collect(t, snap, "batch/"); len(got) != n {
		t.Errorf("Expected %d committed keys, got %d", n, len(got))
	}
}

func testSnapshotIsolation(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTransactions|db.FeatureSnapshots)

	commit(t, database, func(tx db.Transaction) {
		_ = tx.Set([]byte("k"), []byte("before"))
	})

	snap, err := database.NewSnapshot()
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	defer snap.Close()

	commit(t, database, func(tx db.Transaction) {
		_ = tx.Set([]byte("k"), []byte("after"))
		_ = tx.Set([]byte("k2"), []byte("new"))
	})

	value, err := snap.Get([]byte("k"))
	if err != nil || string(value) != "before" {
		t.Errorf("Snapshot must not see later commits, got %q (%v)", value, err)
	}
	if _, err := snap.Get([]byte("k2")); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("Snapshot must not see keys inserted later, got %v", err)
	}

	if value, _ := committedValue(t, database, "k"); string(value) != "after" {
		t.Errorf("New snapshot must see the commit, got %s", value)
	}
}

func testIteratePrefix(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureIterate|db.FeatureSnapshots)

	commit(t, database, func(tx db.Transaction) {
		// insert out of order
		for _, k := range []string{"b/2", "a/1", "b/1", "b/10", "c", "b", "b/\xff", "\xff\xff"} {
			_ = tx.Set([]byte(k), []byte("v-"+k))
		}
	})

	snap, _ := database.NewSnapshot()
	defer snap.Close()

	got := collect(t, snap, "b/")
	var keys []string
	for _, p := range got {
		keys = append(keys, p.key)
	}
	if want := []string{"b/1", "b/10", "b/2", "b/\xff"}; fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("Expected keys %q, got %q", want, keys)
	}

	if got := collect(t, snap, ""); len(got) != 8 {
		t.Errorf("Empty prefix must visit all 8 keys, got %d", len(got))
	}
	if got := collect(t, snap, "\xff"); len(got) != 1 {
		t.Errorf("Prefix 0xff must visit one key, got %d", len(got))
	}
	if got := collect(t, snap, "x"); len(got) != 0 {
		t.Errorf("Expected no keys for prefix x, got %d", len(got))
	}

	// stop early
	visited := 0
	_ = snap.Iterate([]byte("b"), func(_, _ []byte) bool {
		visited++
		return visited < 2
	})
	if visited != 2 {
		t.Errorf("Expected iteration to stop after 2 keys, visited %d", visited)
	}
}

func testIterateAndModify(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTransactions|db.FeatureIterate)

	commit(t, database, func(tx db.Transaction) {
		for i := 0; i < 20; i++ {
			_ = tx.Set([]byte(fmt.Sprintf("del/%02d", i)), []byte("v"))
		}
	})

	commit(t, database, func(tx db.Transaction) {
		err := tx.Iterate([]byte("del/"), func(k, _ []byte) bool {
			key := append([]byte(nil), k...)
			if err := tx.Delete(key); err != nil {
				t.Errorf("Delete during iteration failed: %v", err)
			}
			return true
		})
		if err != nil {
			t.Fatalf("Iterate failed: %v", err)
		}
	})

	snap, _ := database.NewSnapshot()
	defer snap.Close()
	if got := collect(t, snap, "del/"); len(got) != 0 {
		t.Errorf("Expected all keys deleted, %d left", len(got))
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTransactions|db.FeatureSnapshots)

	binaryKey := []byte{0x00, 0x01, 0x00, 0xff}
	largeValue := bytes.Repeat([]byte{0xab}, 1<<20)

	commit(t, database, func(tx db.Transaction) {
		_ = tx.Set(binaryKey, []byte("binary"))
		_ = tx.Set([]byte("empty"), []byte{})
		_ = tx.Set([]byte("large"), largeValue)
	})

	if value, ok := committedValue(t, database, string(binaryKey)); !ok || string(value) != "binary" {
		t.Errorf("Binary key lookup failed: %q %v", value, ok)
	}
	if value, ok := committedValue(t, database, "empty"); !ok || len(value) != 0 {
		t.Errorf("Empty value must be stored and found, got %q %v", value, ok)
	}
	if value, ok := committedValue(t, database, "large"); !ok || !bytes.Equal(value, largeValue) {
		t.Errorf("Large value round trip failed")
	}
}

func testConcurrentReaders(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTransactions|db.FeatureSnapshots)

	const rounds = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// readers check that both counters are always equal, which only holds if
	// every commit is observed atomically
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := database.NewSnapshot()
				if err != nil {
					t.Errorf("NewSnapshot failed: %v", err)
					return
				}
				a, errA := snap.Get([]byte("counter/a"))
				b, errB := snap.Get([]byte("counter/b"))
				snap.Close()
				if (errA == nil) != (errB == nil) || !bytes.Equal(a, b) {
					t.Errorf("Torn read: a=%q (%v) b=%q (%v)", a, errA, b, errB)
					return
				}
			}
		}()
	}

	for i := 0; i < rounds; i++ {
		value := []byte(fmt.Sprintf("%d", i))
		commit(t, database, func(tx db.Transaction) {
			_ = tx.Set([]byte("counter/a"), value)
			_ = tx.Set([]byte("counter/b"), value)
		})
	}
	close(stop)
	wg.Wait()
}
