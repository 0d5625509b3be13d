package lpartition

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dState/lib/correlation"
	"github.com/ValentinKolb/dState/lib/db"
	"github.com/ValentinKolb/dState/lib/db/engines/maple"
	"github.com/ValentinKolb/dState/lib/db/engines/pebble"
	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/journal"
	"github.com/ValentinKolb/dState/lib/partition"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapleFactory() (db.KVDB, error) {
	return maple.NewMapleDB(nil), nil
}

func openPartition(t *testing.T, dir string, factory store.DBFactory) *Partition {
	t.Helper()
	p, err := Open(1, dir, factory, &Options{
		Now: func() time.Time { return time.UnixMilli(1_000) },
	})
	require.NoError(t, err)
	return p
}

func progress(t *testing.T, p *Partition) partition.Progress {
	t.Helper()
	var pr partition.Progress
	require.NoError(t, p.State().Store.View(func(r store.Reader) error {
		var err error
		pr, err = p.State().Progress(r)
		return err
	}))
	return pr
}

func TestFreshPartition(t *testing.T) {
	p := openPartition(t, t.TempDir(), mapleFactory)
	defer p.Close()

	assert.True(t, p.IsActive())
	assert.Equal(t, uint64(1), p.Term())
	assert.Equal(t, uint64(2), p.Journal().LastPosition())

	first, err := p.Journal().EntryAt(1)
	require.NoError(t, err)
	assert.True(t, first.Equal(entry.LogEntry{Term: 1, Entry: entry.Initial{}}))

	second, err := p.Journal().EntryAt(2)
	require.NoError(t, err)
	cfg, ok := second.Entry.(entry.Configuration)
	require.True(t, ok)
	assert.Equal(t, []entry.Member{{ID: "1", Type: entry.MemberActive, Updated: 1_000}}, cfg.Members)

	results, err := p.Submit(context.Background(),
		partition.CreateIncident(7, []byte("boom")),
		partition.ResolveIncident(7),
		partition.ResolveIncident(7),
	)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[0].Rejected())
	assert.False(t, results[1].Rejected())
	assert.Equal(t, status.CodeNotFound, results[2].Code)
	assert.Equal(t, []int64{1, 2, 3}, []int64{results[0].Position, results[1].Position, results[2].Position})

	pr := progress(t, p)
	assert.Equal(t, uint64(3), pr.AppliedIndex)
	assert.Equal(t, int64(3), pr.LastProcessedPosition)
	assert.Equal(t, uint64(3), p.Journal().CommitPosition())
}

func TestReopenReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	p := openPartition(t, dir, mapleFactory)

	_, err := p.Submit(context.Background(),
		partition.OpenSubscription(1, "a", 10, "ck", 100, nil),
		partition.OpenSubscription(2, "b", 20, "ck", 100, nil),
	)
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), partition.SubscriptionOpened(2, "b"))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	// the in-memory store is empty again, everything comes from the journal
	p = openPartition(t, dir, mapleFactory)
	defer p.Close()

	assert.Equal(t, uint64(2), p.Term())
	pr := progress(t, p)
	assert.Equal(t, uint64(5), pr.AppliedIndex, "4 replayed entries + the new Initial entry")
	assert.Equal(t, int64(3), pr.LastProcessedPosition)
	assert.Equal(t, uint64(2), pr.Term)

	// the deadline cache is rebuilt: only the OPENING subscription
	assert.Equal(t, 1, p.State().Subscriptions.CacheSize())
	_, ok := p.State().Subscriptions.CachedEntry(correlation.PrimaryKey{ScopeID: 1, Name: "a"})
	assert.True(t, ok)

	// stream positions continue where the previous run stopped
	results, err := p.Submit(context.Background(), partition.SubscriptionOpened(1, "a"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), results[0].Position)
	assert.False(t, results[0].Rejected())
}

func TestReopenWithDurableStore(t *testing.T) {
	dir := t.TempDir()
	factory := func() (db.KVDB, error) {
		return pebble.NewPebbleDB(&pebble.DBOptions{Dir: filepath.Join(dir, "state")})
	}

	p := openPartition(t, filepath.Join(dir, "journal"), factory)
	_, err := p.Submit(context.Background(), partition.CreateIncident(1, nil))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p = openPartition(t, filepath.Join(dir, "journal"), factory)
	defer p.Close()

	// entry 3 was already applied: replaying it must not create a duplicate
	// (which would be rejected and counted as a new stream position)
	pr := progress(t, p)
	assert.Equal(t, uint64(4), pr.AppliedIndex)
	assert.Equal(t, int64(1), pr.LastProcessedPosition)

	results, err := p.Submit(context.Background(), partition.ResolveIncident(1))
	require.NoError(t, err)
	assert.False(t, results[0].Rejected())
	assert.Equal(t, int64(2), results[0].Position)
}

func TestConcurrentSubmissions(t *testing.T) {
	p := openPartition(t, t.TempDir(), mapleFactory)
	defer p.Close()

	const (
		producers = 8
		perWorker = 50
	)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		positions = map[int64]bool{}
	)
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := int64(w*perWorker + i)
				results, err := p.Submit(context.Background(), partition.CreateIncident(key, nil))
				if !assert.NoError(t, err) || !assert.Len(t, results, 1) {
					return
				}
				assert.False(t, results[0].Rejected())
				mu.Lock()
				positions[results[0].Position] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, positions, producers*perWorker)
	for pos := int64(1); pos <= producers*perWorker; pos++ {
		assert.True(t, positions[pos], "position %d missing", pos)
	}
	assert.Equal(t, int64(producers*perWorker), progress(t, p).LastProcessedPosition)
}

func TestSubmitAfterClose(t *testing.T) {
	p := openPartition(t, t.TempDir(), mapleFactory)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Submit(context.Background(), partition.ResolveIncident(1))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.False(t, p.IsActive())

	results, err := p.Submit(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, results)
}

func TestSubmitRefusesInvalidCommands(t *testing.T) {
	p := openPartition(t, t.TempDir(), mapleFactory)
	defer p.Close()
	last := p.Journal().LastPosition()

	tests := []struct {
		name     string
		commands []partition.Command
	}{
		{"unknown type", []partition.Command{{Type: 0}}},
		{"negative wake time", []partition.Command{partition.OpenSubscription(1, "m", 1, "c", -5, nil)}},
		{"valid and invalid mixed", []partition.Command{partition.CreateIncident(1, nil), {Type: 42}}},
		{"oversized", []partition.Command{partition.CreateIncident(1, make([]byte, 5<<20))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := p.Submit(context.Background(), tt.commands...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, status.ErrInvalidOperation), "got %v", err)
			assert.Nil(t, results)
		})
	}

	// nothing was appended and the partition keeps working
	assert.Equal(t, last, p.Journal().LastPosition())
	assert.True(t, p.IsActive())
	assert.NoError(t, p.Err())

	results, err := p.Submit(context.Background(), partition.CreateIncident(2, []byte("x")))
	require.NoError(t, err)
	assert.False(t, results[0].Rejected())
	assert.Equal(t, int64(1), results[0].Position)
}

func TestLargeSubmissionsAreSplitIntoEntries(t *testing.T) {
	p := openPartition(t, t.TempDir(), mapleFactory)
	defer p.Close()
	before := p.Journal().LastPosition()

	const submitters = 4
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			results, err := p.Submit(context.Background(), partition.CreateIncident(key, make([]byte, 3<<20)))
			if assert.NoError(t, err) && assert.Len(t, results, 1) {
				assert.False(t, results[0].Rejected())
			}
		}(int64(i))
	}
	wg.Wait()

	// two payloads never fit into one entry
	assert.Equal(t, before+submitters, p.Journal().LastPosition())
	assert.True(t, p.IsActive())
}

func TestCommittedNegativeWakeTimeIsRejectedOnReplay(t *testing.T) {
	dir := t.TempDir()
	p := openPartition(t, dir, mapleFactory)
	require.NoError(t, p.Close())

	// an entry that bypassed Submit validation
	j, err := journal.Open(dir, nil)
	require.NoError(t, err)
	_, err = j.Append(j.LastTerm(), entry.Application{Data: partition.EncodeCommands([]partition.Command{
		partition.OpenSubscription(1, "m", 1, "c", -5, nil),
	})})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	subscribed := func(p *Partition) bool {
		var exists bool
		require.NoError(t, p.State().Store.View(func(r store.Reader) error {
			var err error
			exists, err = p.State().Subscriptions.Exists(r, correlation.PrimaryKey{ScopeID: 1, Name: "m"})
			return err
		}))
		return exists
	}

	p = openPartition(t, dir, mapleFactory)
	assert.True(t, p.IsActive())
	require.NoError(t, p.Err())
	assert.False(t, subscribed(p))
	assert.Equal(t, int64(1), progress(t, p).LastProcessedPosition)

	results, err := p.Submit(context.Background(), partition.OpenSubscription(1, "m", 1, "c", 5, nil))
	require.NoError(t, err)
	assert.False(t, results[0].Rejected())
	assert.Equal(t, int64(2), results[0].Position)
	require.NoError(t, p.Close())

	// the rejected entry replays the same way every time
	p = openPartition(t, dir, mapleFactory)
	defer p.Close()
	assert.True(t, p.IsActive())
	assert.True(t, subscribed(p))
	assert.Equal(t, int64(2), progress(t, p).LastProcessedPosition)
}

func TestScannerOnLocalPartition(t *testing.T) {
	p := openPartition(t, t.TempDir(), mapleFactory)
	defer p.Close()

	_, err := p.Submit(context.Background(),
		partition.OpenSubscription(1, "a", 10, "ck", 1_000, nil),
		partition.OpenSubscription(2, "b", 20, "ck", 1_000, nil),
		partition.SubscriptionOpened(2, "b"),
	)
	require.NoError(t, err)

	scanner := partition.NewScanner(p.State().Subscriptions, p, partition.ScannerOptions{
		RetryTimeout: time.Second,
		Now:          func() time.Time { return time.UnixMilli(5_000) },
	})
	issued, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, issued)

	require.NoError(t, p.State().Store.View(func(r store.Reader) error {
		e, err := p.State().Subscriptions.Get(r, correlation.PrimaryKey{ScopeID: 1, Name: "a"})
		require.NoError(t, err)
		assert.Equal(t, int64(5_000), e.CommandSentTime)
		return nil
	}))
}
