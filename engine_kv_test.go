package htab

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/VictoriaMetrics/metrics"
)

func newTestEngine(t *testing.T) *KVEngine {
	t.Helper()
	eng := NewKVEngine(EngineOptions{IsTesting: true, Metrics: metrics.NewSet()})
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestKVEngineBackends(t *testing.T) {
	locs := map[string]Locator{
		"bolt":   {File: filepath.Join(t.TempDir(), "engine.db"), Database: "t"},
		"memory": {Database: "t"},
	}
	for name, loc := range locs {
		t.Run(name, func(t *testing.T) {
			eng := newTestEngine(t)
			tbl := must(eng.OpenTable(loc, 0644, false))

			deepEqual(t, must(tbl.Put([]byte("k"), []byte("v1"))), false)
			deepEqual(t, must(tbl.Put([]byte("k"), []byte("v2"))), true)
			deepEqual(t, string(must(tbl.Get([]byte("k")))), "v2")

			if _, err := tbl.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) err = %v, wanted ErrNotFound", err)
			}

			ensure(tbl.Delete([]byte("k")))
			if err := tbl.Delete([]byte("k")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Delete(missing) err = %v, wanted ErrNotFound", err)
			}

			ensure(tbl.Sync())
			ensure(tbl.Close())

			if _, err := tbl.Get([]byte("k")); !errors.Is(err, ErrTableClosed) {
				t.Fatalf("Get after Close err = %v, wanted ErrTableClosed", err)
			}
		})
	}
}

func TestKVEngineDupCursor(t *testing.T) {
	eng := newTestEngine(t)
	tbl := must(eng.OpenTable(Locator{Database: "dups"}, 0, true))

	for _, kv := range [][2]string{{"a", "1"}, {"ab", "x"}, {"a", "2"}, {"b", "y"}, {"a", "3"}} {
		must(tbl.Put([]byte(kv[0]), []byte(kv[1])))
	}

	c := must(tbl.Cursor())
	defer c.Close()

	k, v, err := c.Get(CursorSet, []byte("a"))
	ensure(err)
	deepEqual(t, string(k), "a")
	deepEqual(t, string(v), "1")

	var values []string
	for err == nil {
		values = append(values, string(v))
		_, v, err = c.Get(CursorNextDup, nil)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("NextDup err = %v, wanted ErrNotFound", err)
	}
	deepEqual(t, values, []string{"1", "2", "3"})

	// a shorter key sorts before a longer one sharing its prefix
	var keys []string
	for k, _, err = c.Get(CursorFirst, nil); err == nil; k, _, err = c.Get(CursorNext, nil) {
		keys = append(keys, string(k))
	}
	deepEqual(t, keys, []string{"a", "a", "a", "b", "ab"})

	if _, _, err := c.Get(CursorSet, []byte("zzz")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Set(zzz) err = %v, wanted ErrNotFound", err)
	}
}

func TestKVEngineDupMismatch(t *testing.T) {
	eng := newTestEngine(t)
	loc := Locator{File: filepath.Join(t.TempDir(), "engine.db")}
	ensure(must(eng.OpenTable(loc, 0644, true)).Close())

	_, err := eng.OpenTable(loc, 0644, false)
	if err == nil || !strings.Contains(err.Error(), "dup") {
		t.Fatalf("OpenTable(non-dup) err = %v, wanted dup mismatch", err)
	}
}

func TestKVEngineSharedFile(t *testing.T) {
	eng := newTestEngine(t)
	file := filepath.Join(t.TempDir(), "engine.db")

	a := must(eng.OpenTable(Locator{File: file, Database: "a"}, 0644, false))
	b := must(eng.OpenTable(Locator{File: file, Database: "b"}, 0644, false))
	deepEqual(t, eng.openFileCount(), 1.0)

	must(a.Put([]byte("k"), []byte("from a")))
	if _, err := b.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("b.Get(k) err = %v, wanted ErrNotFound", err)
	}

	ensure(a.Close())
	deepEqual(t, eng.openFileCount(), 1.0)
	ensure(b.Close())
	deepEqual(t, eng.openFileCount(), 0.0)
}

func TestKVEngineAnonymousTablesVanish(t *testing.T) {
	eng := newTestEngine(t)
	tbl := must(eng.OpenTable(Locator{}, 0, false))
	must(tbl.Put([]byte("k"), []byte("v")))

	name := tbl.(*kvTable).name
	if !strings.HasPrefix(name, anonymousPrefix) {
		t.Fatalf("anonymous table name = %q, wanted prefix %q", name, anonymousPrefix)
	}
	ensure(tbl.Close())

	ensure(viewStorage(eng.mem, func(tx storageTx) error {
		if tx.Bucket(name, "") != nil {
			t.Fatalf("bucket %q survived Close", name)
		}
		return nil
	}))
}

func TestKVEngineAssociate(t *testing.T) {
	eng := newTestEngine(t)
	pri := must(eng.OpenTable(Locator{Database: "pri"}, 0, false))
	sec := must(eng.OpenTable(Locator{Database: "sec"}, 0, true))

	upper := func(pkey, pvalue []byte) ([]byte, error) {
		return bytes.ToUpper(pvalue), nil
	}
	ensure(pri.Associate(sec, upper))

	must(pri.Put([]byte("1"), []byte("x")))
	must(pri.Put([]byte("2"), []byte("x")))

	pk, pv, err := sec.PGet([]byte("X"))
	ensure(err)
	deepEqual(t, string(pk), "1")
	deepEqual(t, string(pv), "x")

	c := must(sec.Cursor())
	sk, pk, pv, err := c.PGet(CursorFirst, nil)
	ensure(err)
	deepEqual(t, []string{string(sk), string(pk), string(pv)}, []string{"X", "1", "x"})
	_, pk, _, err = c.PGet(CursorNextDup, nil)
	ensure(err)
	deepEqual(t, string(pk), "2")
	ensure(c.Close())

	if _, err := sec.Put([]byte("Y"), []byte("1")); !errors.Is(err, ErrSecondaryWrite) {
		t.Fatalf("secondary Put err = %v, wanted ErrSecondaryWrite", err)
	}
	if err := sec.Associate(pri, upper); !errors.Is(err, ErrInvalidAssociation) {
		t.Fatalf("Associate(dup primary) err = %v, wanted ErrInvalidAssociation", err)
	}
}

func TestKVEngineMetrics(t *testing.T) {
	eng := newTestEngine(t)
	tbl := must(eng.OpenTable(Locator{Database: "t"}, 0, false))
	must(tbl.Put([]byte("k"), []byte("v")))
	must(tbl.Get([]byte("k")))

	var buf bytes.Buffer
	eng.WriteMetrics(&buf)
	out := buf.String()
	for _, line := range []string{
		"htab_table_opens_total 1",
		"htab_puts_total 1",
		"htab_gets_total 1",
		"htab_open_files 0",
	} {
		if !strings.Contains(out, line) {
			t.Fatalf("metrics output lacks %q:\n%s", line, out)
		}
	}
}
