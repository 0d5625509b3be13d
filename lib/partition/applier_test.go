package partition

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/dState/lib/correlation"
	"github.com/ValentinKolb/dState/lib/db"
	"github.com/ValentinKolb/dState/lib/db/engines/maple"
	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/ValentinKolb/dState/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApplier(t *testing.T) *Applier {
	st, err := store.Open(func() (db.KVDB, error) { return maple.NewMapleDB(nil), nil })
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	state, err := NewState(st)
	require.NoError(t, err)
	return NewApplier(state)
}

func application(commands ...Command) entry.LogEntry {
	return entry.LogEntry{Term: 1, Entry: entry.Application{Data: EncodeCommands(commands)}}
}

func progress(t *testing.T, a *Applier) Progress {
	t.Helper()
	var p Progress
	require.NoError(t, a.State().Store.View(func(r store.Reader) error {
		var err error
		p, err = a.State().Progress(r)
		return err
	}))
	return p
}

func subscription(t *testing.T, a *Applier, scopeID int64, name string) (correlation.Entity, error) {
	t.Helper()
	var e correlation.Entity
	err := a.State().Store.View(func(r store.Reader) error {
		var err error
		e, err = a.State().Subscriptions.Get(r, correlation.PrimaryKey{ScopeID: scopeID, Name: name})
		return err
	})
	return e, err
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestApplyEntryVariants(t *testing.T) {
	a := newTestApplier(t)

	_, err := a.Apply(1, entry.LogEntry{Term: 3, Entry: entry.Initial{}})
	require.NoError(t, err)

	cfg := entry.Configuration{
		Timestamp: 1000,
		Members: []entry.Member{
			{ID: "2", Type: entry.MemberPassive, Updated: 5},
			{ID: "1", Type: entry.MemberActive, Updated: 4},
		},
	}
	_, err = a.Apply(2, entry.LogEntry{Term: 3, Entry: cfg})
	require.NoError(t, err)

	p := progress(t, a)
	assert.Equal(t, uint64(2), p.AppliedIndex)
	assert.Equal(t, uint64(3), p.Term)
	assert.Equal(t, int64(0), p.LastProcessedPosition)

	require.NoError(t, a.State().Store.View(func(r store.Reader) error {
		membership, err := a.State().Membership(r)
		require.NoError(t, err)
		assert.True(t, membership.Equal(cfg))
		return nil
	}))
}

func TestSubscriptionLifecycle(t *testing.T) {
	a := newTestApplier(t)

	out, err := a.Apply(1, application(
		OpenSubscription(5, "foo", 50, "order-1", 100, []byte("record")),
		OpenSubscription(5, "foo", 50, "order-1", 100, nil),
	))
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.False(t, out.Results[0].Rejected())
	assert.Equal(t, int64(1), out.Results[0].Position)
	assert.Equal(t, CommandOpenSubscription, out.Results[0].Command)
	assert.True(t, out.Results[1].Rejected(), "a second open is rejected")
	assert.Equal(t, status.CodeRejected, out.Results[1].Code)

	e, err := subscription(t, a, 5, "foo")
	require.NoError(t, err)
	assert.Equal(t, correlation.StateOpening, e.State)
	assert.Equal(t, int64(100), e.CommandSentTime)
	assert.Equal(t, []byte("record"), e.Payload)

	out, err = a.Apply(2, application(SubscriptionOpened(5, "foo")))
	require.NoError(t, err)
	assert.False(t, out.Results[0].Rejected())
	assert.Equal(t, int64(3), out.Results[0].Position)

	e, err = subscription(t, a, 5, "foo")
	require.NoError(t, err)
	assert.Equal(t, correlation.StateOpened, e.State)
	assert.Equal(t, 0, a.State().Subscriptions.CacheSize())

	out, err = a.Apply(3, application(
		CloseSubscription(5, "foo", 200),
		SubscriptionClosed(5, "foo"),
		SubscriptionClosed(5, "foo"),
	))
	require.NoError(t, err)
	require.Len(t, out.Results, 3)
	assert.False(t, out.Results[0].Rejected())
	assert.False(t, out.Results[1].Rejected())
	assert.Equal(t, status.CodeNotFound, out.Results[2].Code)

	_, err = subscription(t, a, 5, "foo")
	assert.True(t, status.IsNotFound(err))
	assert.Equal(t, int64(6), progress(t, a).LastProcessedPosition)
}

func TestCorrelateSubscription(t *testing.T) {
	a := newTestApplier(t)

	out, err := a.Apply(1, application(
		OpenSubscription(1, "msg", 10, "ck", 100, nil),
		CorrelateSubscription(1, "msg", 777, []byte("vars")),
		CorrelateSubscription(1, "msg", 778, nil),
	))
	require.NoError(t, err)
	assert.False(t, out.Results[1].Rejected())
	assert.Equal(t, status.CodeNotFound, out.Results[2].Code)

	_, err = subscription(t, a, 1, "msg")
	assert.True(t, status.IsNotFound(err))

	var correlated []int64
	require.NoError(t, a.State().Store.View(func(r store.Reader) error {
		return a.State().Correlations(r, 1, "msg", func(messageKey int64, variables []byte) bool {
			correlated = append(correlated, messageKey)
			assert.Equal(t, []byte("vars"), variables)
			return true
		})
	}))
	assert.Equal(t, []int64{777}, correlated)
}

func TestRetrySubscription(t *testing.T) {
	a := newTestApplier(t)
	_, err := a.Apply(1, application(
		OpenSubscription(1, "a", 1, "ck", 100, nil),
		OpenSubscription(2, "b", 2, "ck", 100, nil),
		SubscriptionOpened(2, "b"),
	))
	require.NoError(t, err)

	out, err := a.Apply(2, application(
		RetrySubscription(1, "a", 500),
		RetrySubscription(2, "b", 500),
		RetrySubscription(3, "missing", 500),
	))
	require.NoError(t, err)
	assert.False(t, out.Results[0].Rejected())
	assert.Equal(t, status.CodeRejected, out.Results[1].Code, "opened subscriptions are not retried")
	assert.Equal(t, status.CodeNotFound, out.Results[2].Code)

	e, err := subscription(t, a, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), e.CommandSentTime)
	cached, ok := a.State().Subscriptions.CachedEntry(correlation.PrimaryKey{ScopeID: 1, Name: "a"})
	require.True(t, ok)
	assert.Equal(t, int64(500), cached.WakeTime)
}

func TestIncidents(t *testing.T) {
	a := newTestApplier(t)
	out, err := a.Apply(1, application(
		ResolveIncident(7),
		CreateIncident(7, []byte("boom")),
		CreateIncident(7, []byte("again")),
		ResolveIncident(7),
	))
	require.NoError(t, err)
	require.Len(t, out.Results, 4)

	assert.Equal(t, status.CodeNotFound, out.Results[0].Code)
	assert.Equal(t, "Expected to resolve incident with key '7', but no such incident was found", out.Results[0].Message)
	assert.False(t, out.Results[1].Rejected())
	assert.Equal(t, status.CodeRejected, out.Results[2].Code)
	assert.False(t, out.Results[3].Rejected())

	require.NoError(t, a.State().Store.View(func(r store.Reader) error {
		_, err := a.State().Incident(r, 7)
		assert.True(t, status.IsNotFound(err))
		return nil
	}))
}

func TestApplySkipsAppliedEntries(t *testing.T) {
	a := newTestApplier(t)
	_, err := a.Apply(1, application(CreateIncident(1, nil)))
	require.NoError(t, err)

	// the same log position again (replay)
	out, err := a.Apply(1, application(CreateIncident(2, nil)))
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Empty(t, out.Results)

	// a new log position carrying already processed stream positions
	out, err = a.Apply(2, entry.LogEntry{Term: 1, Entry: entry.Application{
		LowestPosition:  1,
		HighestPosition: 1,
		Data:            EncodeCommands([]Command{CreateIncident(3, nil)}),
	}})
	require.NoError(t, err)
	assert.True(t, out.Skipped)

	// a partially processed batch only applies the new commands
	out, err = a.Apply(3, entry.LogEntry{Term: 1, Entry: entry.Application{
		LowestPosition:  1,
		HighestPosition: 2,
		Data:            EncodeCommands([]Command{CreateIncident(4, nil), CreateIncident(5, nil)}),
	}})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, int64(2), out.Results[0].Position)

	require.NoError(t, a.State().Store.View(func(r store.Reader) error {
		for key, expected := range map[int64]bool{1: true, 2: false, 3: false, 4: false, 5: true} {
			ok, err := r.Exists(NamespaceIncidents, incidentKey(key))
			require.NoError(t, err)
			assert.Equal(t, expected, ok, "incident %d", key)
		}
		return nil
	}))
	p := progress(t, a)
	assert.Equal(t, uint64(3), p.AppliedIndex)
	assert.Equal(t, int64(2), p.LastProcessedPosition)
}

func TestFatalErrorsHaltTheApplier(t *testing.T) {
	tests := []struct {
		name  string
		apply func(a *Applier) error
	}{
		{
			name: "corrupt frame",
			apply: func(a *Applier) error {
				_, err := a.ApplyFrame(1, []byte{1, 2, 3})
				return err
			},
		},
		{
			name: "corrupt command batch",
			apply: func(a *Applier) error {
				_, err := a.Apply(1, entry.LogEntry{Term: 1, Entry: entry.Application{Data: []byte{0, 0, 0, 1, 9}}})
				return err
			},
		},
		{
			name: "positions do not match the batch",
			apply: func(a *Applier) error {
				_, err := a.Apply(1, entry.LogEntry{Term: 1, Entry: entry.Application{
					LowestPosition:  1,
					HighestPosition: 5,
					Data:            EncodeCommands([]Command{ResolveIncident(1)}),
				}})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApplier(t)
			err := tt.apply(a)
			require.Error(t, err)
			assert.True(t, errors.Is(err, status.ErrCorruptEntry), "got %v", err)
			assert.Equal(t, err, a.Err())

			// the applier stays halted and nothing was written
			_, err = a.Apply(2, application(CreateIncident(1, nil)))
			assert.True(t, errors.Is(err, status.ErrCorruptEntry))
			assert.Equal(t, uint64(0), progress(t, a).AppliedIndex)
		})
	}
}

func TestProcessorErrorsAreFatal(t *testing.T) {
	a := newTestApplier(t)
	failure := errors.New("disk on fire")
	a.Register(CommandCreateIncident, func(ctx *Context, cmd *Command) (Result, error) {
		if err := ctx.Tx.Put(NamespaceIncidents, incidentKey(cmd.Key), nil); err != nil {
			return Result{}, err
		}
		return Result{}, failure
	})

	_, err := a.Apply(1, application(CreateIncident(1, nil)))
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.True(t, errors.Is(err, status.NewError(status.CodeInternal, "")))

	require.NoError(t, a.State().Store.View(func(r store.Reader) error {
		ok, err := r.Exists(NamespaceIncidents, incidentKey(1))
		require.NoError(t, err)
		assert.False(t, ok, "the transition of a failed entry is discarded")
		return nil
	}))
}

func TestApplyFrame(t *testing.T) {
	a := newTestApplier(t)
	frame, err := entry.Marshal(4, entry.Application{Data: EncodeCommands([]Command{CreateIncident(9, []byte("x"))})})
	require.NoError(t, err)

	out, err := a.ApplyFrame(1, frame)
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.False(t, out.Results[0].Rejected())

	_, err = a.ApplyFrame(2, append(frame, 0))
	assert.True(t, errors.Is(err, status.ErrCorruptEntry), "trailing bytes are corrupt")
}

func TestNegativeWakeTimesAreRejected(t *testing.T) {
	a := newTestApplier(t)
	_, err := a.Apply(1, application(OpenSubscription(1, "a", 10, "ck", 100, nil)))
	require.NoError(t, err)

	out, err := a.Apply(2, application(
		OpenSubscription(2, "b", 20, "ck", -5, nil),
		CloseSubscription(1, "a", -1),
		RetrySubscription(1, "a", -7),
		CreateIncident(3, nil),
	))
	require.NoError(t, err)
	require.NoError(t, a.Err())
	require.Len(t, out.Results, 4)
	for _, res := range out.Results[:3] {
		assert.Equal(t, status.CodeInvalidOperation, res.Code)
		assert.Contains(t, res.Message, "negative time")
	}
	assert.False(t, out.Results[3].Rejected())

	_, err = subscription(t, a, 2, "b")
	assert.True(t, status.IsNotFound(err))
	e, err := subscription(t, a, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, correlation.StateOpening, e.State)
	assert.Equal(t, int64(100), e.CommandSentTime)
	assert.Equal(t, int64(5), progress(t, a).LastProcessedPosition)
}

func TestValidateCommands(t *testing.T) {
	tests := []struct {
		name     string
		commands []Command
		wantErr  bool
	}{
		{"valid batch", []Command{OpenSubscription(1, "a", 1, "ck", 0, nil), ResolveIncident(1)}, false},
		{"empty batch", nil, false},
		{"unknown type", []Command{{Type: 0}}, true},
		{"type out of range", []Command{{Type: CommandResolveIncident + 1}}, true},
		{"negative timestamp", []Command{OpenSubscription(1, "a", 1, "ck", -5, nil)}, true},
		{"data too large", []Command{CreateIncident(1, make([]byte, entry.MaxDataLength))}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommands(tt.commands)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, status.ErrInvalidOperation), "got %v", err)
		})
	}
}
