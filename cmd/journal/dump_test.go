package journal

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/journal"
	"github.com/ValentinKolb/dState/lib/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeJournal(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(dir, nil)
	require.NoError(t, err)
	_, err = j.Append(1, entry.Initial{})
	require.NoError(t, err)
	_, err = j.Append(1, entry.Configuration{Timestamp: 5, Members: []entry.Member{{ID: "1", Type: entry.MemberActive, Updated: 5}}})
	require.NoError(t, err)
	_, err = j.Append(1, entry.Application{Data: partition.EncodeCommands([]partition.Command{
		partition.OpenSubscription(1, "order", 42, "ck-1", 100, []byte("vars")),
		partition.ResolveIncident(3),
	})})
	require.NoError(t, err)
	_, err = j.Append(2, entry.Application{Data: []byte{0xff}})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	return dir
}

func TestDump(t *testing.T) {
	dir := writeJournal(t)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, dir, 1, 0))

	var doc struct {
		Journal string         `yaml:"journal"`
		Entries []dumpedRecord `yaml:"entries"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, dir, doc.Journal)
	require.Len(t, doc.Entries, 4)

	assert.Equal(t, entry.TypeInitial.String(), doc.Entries[0].Type)
	assert.Equal(t, []dumpedMember{{ID: "1", Type: entry.MemberActive.String(), Updated: 5}}, doc.Entries[1].Members)

	app := doc.Entries[2]
	require.Len(t, app.Commands, 2)
	assert.Equal(t, dumpedCommand{
		Type:           partition.CommandOpenSubscription.String(),
		ScopeID:        1,
		Name:           "order",
		Key:            42,
		Timestamp:      100,
		CorrelationKey: "ck-1",
		ValueSize:      4,
	}, app.Commands[0])
	assert.Equal(t, int64(3), app.Commands[1].Key)

	assert.Equal(t, uint64(2), doc.Entries[3].Term)
	assert.NotEmpty(t, doc.Entries[3].Undecodable)
}

func TestDumpRange(t *testing.T) {
	dir := writeJournal(t)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, dir, 2, 3))

	var doc struct {
		Entries []dumpedRecord `yaml:"entries"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Entries, 2)
	assert.Equal(t, uint64(2), doc.Entries[0].Position)
	assert.Equal(t, uint64(3), doc.Entries[1].Position)
}

func TestDumpMissingDirectory(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Dump(&buf, t.TempDir()+"/missing", 1, 0))
}

func TestVerify(t *testing.T) {
	dir := writeJournal(t)
	entries, corruptAt, err := Verify(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), entries)
	assert.Zero(t, corruptAt)
}
