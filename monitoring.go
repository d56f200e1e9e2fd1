package nvdb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// DBStats is a point-in-time snapshot of the store's counters.
type DBStats struct {
	Size           int64
	Readers        int64
	Writers        int64
	PendingWriters int64
	Reads          uint64
	Writes         uint64
}

func (db *DB) Stats() DBStats {
	return DBStats{
		Size:           db.lastSize.Load(),
		Readers:        db.ReaderCount.Load(),
		Writers:        db.WriterCount.Load(),
		PendingWriters: db.PendingWriterCount.Load(),
		Reads:          db.ReadCount.Load(),
		Writes:         db.WriteCount.Load(),
	}
}

func (s DBStats) String() string {
	return fmt.Sprintf("size=%s readers=%d writers=%d pending=%d reads=%s writes=%s",
		humanize.Bytes(uint64(max(s.Size, 0))),
		s.Readers, s.Writers, s.PendingWriters,
		humanize.Comma(int64(s.Reads)), humanize.Comma(int64(s.Writes)))
}

// TableStats reports per-table entry counts for every model in the schema,
// keyed by physical table name.
func (db *DB) TableStats() (map[string]int, error) {
	stats := make(map[string]int)
	err := db.View(func(tx *Tx) error {
		for _, def := range db.schema.defs {
			for _, mdl := range def.models {
				for _, name := range mdl.tableNames() {
					stats[name] = tx.table(name).KeyCount()
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// StatsString renders a human-readable report: global counters plus one line
// per table, rows first.
func (db *DB) StatsString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s\n", db.Stats())

	stats, err := db.TableStats()
	if err != nil {
		fmt.Fprintf(&buf, "table stats unavailable: %v\n", err)
		return buf.String()
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&buf, "%-60s %s\n", name, humanize.Comma(int64(stats[name])))
	}
	return buf.String()
}
