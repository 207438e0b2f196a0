package htab

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the table for debugging. Printable keys and values are
// shown as text, anything else as hex.
func (r *Registry) Dump(h Handle, f DumpFlags) (string, error) {
	m, err := r.lookup(h)
	if err != nil {
		return "", tableErr(h, "", "dump", nil, err)
	}
	prefix := m.loc.String()

	var w strings.Builder
	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(&w, dumpSep1)
		fmt.Fprintf(&w, "%s #%d (%s)\n", prefix, h, m.flags)
	}
	if f.Contains(DumpStats) {
		s, err := r.Stats(h)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&w, "%s.stats: entries = %d, keys = %d, key_size = %d, value_size = %d\n", prefix, s.Entries, s.Keys, s.KeySize, s.ValueSize)
	}
	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(&w, dumpSep2)
		}
		c, err := r.Iterate(h, nil)
		if err != nil {
			return "", err
		}
		defer c.Close()
		var rowPos int
		for c.Next() {
			rowPos++
			if m.flags.Contains(Secondary) {
				fmt.Fprintf(&w, "%s.%d: %s => %s = %s\n", prefix, rowPos, loggable(c.IndexKey()), loggable(c.Key()), loggable(c.Value()))
			} else {
				fmt.Fprintf(&w, "%s.%d: %s = %s\n", prefix, rowPos, loggable(c.Key()), loggable(c.Value()))
			}
		}
		if err := c.Err(); err != nil {
			return "", err
		}
	}
	return w.String(), nil
}

func loggable(b []byte) string {
	if len(b) > 0 && utf8.Valid(b) && isPrintable(b) {
		return fmt.Sprintf("%q", b)
	}
	return hexstr(b)
}

func isPrintable(b []byte) bool {
	for _, c := range string(b) {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}
