package maple

import (
	"testing"

	"github.com/ValentinKolb/dState/lib/db"
	dbtesting "github.com/ValentinKolb/dState/lib/db/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "MapleDB", func(t testing.TB) db.KVDB {
		return NewMapleDB(nil)
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "MapleDB", func(t testing.TB) db.KVDB {
		return NewMapleDB(nil)
	})
}

func TestConflictingCommits(t *testing.T) {
	database := NewMapleDB(nil)
	defer database.Close()

	tx1, err := database.NewTransaction()
	require.NoError(t, err)
	tx2, err := database.NewTransaction()
	require.NoError(t, err)

	require.NoError(t, tx1.Set([]byte("a"), []byte("1")))
	require.NoError(t, tx2.Set([]byte("a"), []byte("2")))

	require.NoError(t, tx1.Commit())
	assert.Error(t, tx2.Commit(), "second transaction started from an outdated state")

	snap, err := database.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()
	value, err := snap.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
}

func TestInfo(t *testing.T) {
	database := NewMapleDB(&DBOptions{Degree: 4})
	defer database.Close()

	tx, err := database.NewTransaction()
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		require.NoError(t, tx.Set([]byte{byte(i >> 8), byte(i)}, make([]byte, 100)))
	}
	require.NoError(t, tx.Commit())

	info := database.GetInfo()
	assert.Equal(t, db.ImplMaple, info.DbType)
	assert.Greater(t, info.SizeBytes, 200*100)
	assert.False(t, database.SupportsFeature(db.FeatureDurable))
	assert.True(t, database.SupportsFeature(db.FeatureTransactions|db.FeatureSnapshots))
}
