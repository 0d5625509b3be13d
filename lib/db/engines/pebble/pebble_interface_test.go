package pebble

import (
	"testing"

	"github.com/ValentinKolb/dState/lib/db"
	dbtesting "github.com/ValentinKolb/dState/lib/db/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInMemory(t testing.TB) db.KVDB {
	database, err := NewPebbleDB(nil)
	require.NoError(t, err)
	return database
}

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "PebbleDB", newInMemory)
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "PebbleDB", newInMemory)
}

func TestDurability(t *testing.T) {
	dir := t.TempDir()

	database, err := NewPebbleDB(&DBOptions{Dir: dir, Sync: true})
	require.NoError(t, err)
	assert.True(t, database.SupportsFeature(db.FeatureDurable))

	tx, err := database.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("durable"), []byte("yes")))
	require.NoError(t, tx.Commit())

	discarded, err := database.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, discarded.Set([]byte("lost"), []byte("no")))
	discarded.Discard()
	require.NoError(t, database.Close())

	reopened, err := NewPebbleDB(&DBOptions{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	value, err := snap.Get([]byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), value)

	_, err = snap.Get([]byte("lost"))
	assert.Error(t, err)

	info := reopened.GetInfo()
	assert.Equal(t, db.ImplPebble, info.DbType)
}

func TestNeedsDirectory(t *testing.T) {
	_, err := NewPebbleDB(&DBOptions{})
	assert.Error(t, err)
}
