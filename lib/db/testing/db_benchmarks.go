package testing

import (
	"fmt"
	"testing"

	"github.com/ValentinKolb/dState/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("CommitSingle", func(b *testing.B) {
			benchmarkCommit(b, factory(b), 1)
		})

		b.Run("CommitBatch16", func(b *testing.B) {
			benchmarkCommit(b, factory(b), 16)
		})

		b.Run("SnapshotGet", func(b *testing.B) {
			benchmarkSnapshotGet(b, factory(b))
		})

		b.Run("IteratePrefix", func(b *testing.B) {
			benchmarkIteratePrefix(b, factory(b))
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// fill commits n keys "key-%08d" with a 64 byte value
func fill(b *testing.B, database db.KVDB, n int) {
	b.Helper()
	value := make([]byte, 64)
	commit(b, database, func(tx db.Transaction) {
		for i := 0; i < n; i++ {
			_ = tx.Set([]byte(fmt.Sprintf("key-%08d", i)), value)
		}
	})
}

// Benchmark for committing transactions of a given size
func benchmarkCommit(b *testing.B, database db.KVDB, writesPerTx int) {
	b.Cleanup(func() {
		_ = database.Close()
	})

	requireFeature(b, database, db.FeatureTransactions)

	value := make([]byte, 128)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tx, err := database.NewTransaction()
		if err != nil {
			b.Fatal(err)
		}
		for j := 0; j < writesPerTx; j++ {
			_ = tx.Set([]byte(fmt.Sprintf("key-%d-%d", i%10_000, j)), value)
		}
		if err := tx.Commit(); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark for point reads from a snapshot
func benchmarkSnapshotGet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		_ = database.Close()
	})

	requireFeature(b, database, db.FeatureTransactions|db.FeatureSnapshots)

	const keys = 10_000
	fill(b, database, keys)

	snap, err := database.NewSnapshot()
	if err != nil {
		b.Fatal(err)
	}
	defer snap.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := snap.Get([]byte(fmt.Sprintf("key-%08d", i%keys))); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark for prefix scans over 100 keys
func benchmarkIteratePrefix(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		_ = database.Close()
	})

	requireFeature(b, database, db.FeatureTransactions|db.FeatureSnapshots|db.FeatureIterate)

	fill(b, database, 10_000)

	snap, err := database.NewSnapshot()
	if err != nil {
		b.Fatal(err)
	}
	defer snap.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		prefix := []byte(fmt.Sprintf("key-%06d", i%100))
		count := 0
		_ = snap.Iterate(prefix, func(_, _ []byte) bool {
			count++
			return true
		})
		if count != 100 {
			b.Fatalf("expected 100 keys, got %d", count)
		}
	}
}
