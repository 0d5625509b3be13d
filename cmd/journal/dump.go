package journal

import (
	"fmt"
	"io"
	"os"

	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/journal"
	"github.com/ValentinKolb/dState/lib/partition"
	"github.com/ValentinKolb/dState/lib/status"
	"gopkg.in/yaml.v3"
)

// --------------------------------------------------------------------------
// YAML representation of journal records
// --------------------------------------------------------------------------

type dumpedCommand struct {
	Type           string `yaml:"type"`
	ScopeID        int64  `yaml:"scopeId,omitempty"`
	Name           string `yaml:"name,omitempty"`
	Key            int64  `yaml:"key,omitempty"`
	Timestamp      int64  `yaml:"timestamp,omitempty"`
	CorrelationKey string `yaml:"correlationKey,omitempty"`
	ValueSize      int    `yaml:"valueSize,omitempty"`
}

type dumpedMember struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`
	Updated int64  `yaml:"updated"`
}

type dumpedRecord struct {
	Position uint64 `yaml:"position"`
	Term     uint64 `yaml:"term"`
	Type     string `yaml:"type"`

	// Application
	LowestPosition  int64           `yaml:"lowestPosition,omitempty"`
	HighestPosition int64           `yaml:"highestPosition,omitempty"`
	Commands        []dumpedCommand `yaml:"commands,omitempty"`
	Undecodable     string          `yaml:"undecodable,omitempty"`

	// Configuration
	Timestamp int64          `yaml:"timestamp,omitempty"`
	Members   []dumpedMember `yaml:"members,omitempty"`
}

func toDumpedRecord(rec journal.Record) dumpedRecord {
	out := dumpedRecord{
		Position: rec.Position,
		Term:     rec.Entry.Term,
		Type:     rec.Entry.Entry.Type().String(),
	}
	switch e := rec.Entry.Entry.(type) {
	case entry.Application:
		out.LowestPosition = e.LowestPosition
		out.HighestPosition = e.HighestPosition
		commands, err := partition.DecodeCommands(e.Data)
		if err != nil {
			out.Undecodable = err.Error()
			break
		}
		for _, c := range commands {
			out.Commands = append(out.Commands, dumpedCommand{
				Type:           c.Type.String(),
				ScopeID:        c.ScopeID,
				Name:           c.Name,
				Key:            c.Key,
				Timestamp:      c.Timestamp,
				CorrelationKey: c.CorrelationKey,
				ValueSize:      len(c.Value),
			})
		}
	case entry.Configuration:
		out.Timestamp = e.Timestamp
		for _, m := range e.Sorted().Members {
			out.Members = append(out.Members, dumpedMember{ID: m.ID, Type: m.Type.String(), Updated: m.Updated})
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// openExisting opens the journal in dir without creating a new one.
func openExisting(dir string) (*journal.Journal, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, status.Wrap(status.CodeNotFound, err, fmt.Sprintf("journal directory %s", dir))
	}
	j, err := journal.Open(dir, nil)
	if err != nil {
		return nil, err
	}
	// an offline journal has no consensus layer, everything appended is readable
	if last := j.LastPosition(); last > 0 {
		if err := j.Commit(last); err != nil {
			_ = j.Close()
			return nil, err
		}
	}
	return j, nil
}

// Dump writes the entries from..to (0 = last) of the journal in dir to w as a
// YAML document.
func Dump(w io.Writer, dir string, from, to uint64) error {
	j, err := openExisting(dir)
	if err != nil {
		return err
	}
	defer j.Close()

	last := j.LastPosition()
	if to == 0 || to > last {
		to = last
	}
	from = max(from, j.FirstPosition())

	var records []dumpedRecord
	if last > 0 && from <= to {
		raw, err := j.Range(from, to)
		if err != nil {
			return err
		}
		records = make([]dumpedRecord, len(raw))
		for i, rec := range raw {
			records[i] = toDumpedRecord(rec)
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]interface{}{
		"journal": dir,
		"entries": records,
	}); err != nil {
		return err
	}
	return enc.Close()
}

// Verify checks every entry of the journal in dir. It returns the number of
// entries and, for a damaged journal, the position of the first corrupt entry
// with the error.
func Verify(dir string) (entries uint64, corruptAt uint64, err error) {
	j, err := openExisting(dir)
	if err != nil {
		return 0, 0, err
	}
	defer j.Close()

	corruptAt, err = j.Verify()
	return j.LastPosition(), corruptAt, err
}
