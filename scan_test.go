package htab

import (
	"errors"
	"fmt"
	"sort"
	"testing"
)

func scanAll(t testing.TB, env *testEnv, h Handle) []string {
	t.Helper()
	c, err := env.reg.Iterate(h, nil)
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	var result []string
	for c.Next() {
		result = append(result, fmt.Sprintf("%s=%s", c.Key(), c.Value()))
	}
	if err := c.Err(); err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	return result
}

func TestCursorVisitsEveryEntryOnce(t *testing.T) {
	env := setup(t)
	h := env.create(t, "t", 0)
	var expected []string
	for i := 0; i < 50; i++ {
		k, v := fmt.Sprintf("k%03d", (i*37)%50), fmt.Sprintf("v%d", i)
		env.put(t, h, k, v)
		expected = append(expected, k+"="+v)
	}
	sort.Strings(expected)

	actual := scanAll(t, env, h)
	deepEqual(t, actual, expected)
	env.noFatals(t)
}

func TestCursorEmptyTable(t *testing.T) {
	env := setup(t)
	h := env.create(t, "t", 0)
	c := must(env.reg.Iterate(h, nil))
	if c.Next() {
		t.Fatalf("Next on empty table = true, wanted false")
	}
	if c.Next() {
		t.Fatalf("Next after end = true, wanted false")
	}
	ensure(c.Err())
	ensure(c.Close())
}

func TestCursorDupOnly(t *testing.T) {
	env := setup(t)
	h := env.create(t, "t", Dup)
	env.put(t, h, "a", "1")
	env.put(t, h, "b", "1")
	env.put(t, h, "b", "2")
	env.put(t, h, "c", "1")
	env.put(t, h, "b", "3")

	deepEqual(t, dupValues(t, env, h, "b"), []string{"1", "2", "3"})
	deepEqual(t, dupValues(t, env, h, "a"), []string{"1"})
	deepEqual(t, dupValues(t, env, h, "missing"), []string(nil))
	deepEqual(t, scanAll(t, env, h), []string{"a=1", "b=1", "b=2", "b=3", "c=1"})
}

func TestCursorDupOnlyNonDupTable(t *testing.T) {
	env := setup(t)
	h := env.create(t, "t", 0)
	env.put(t, h, "a", "1")
	env.put(t, h, "b", "2")
	deepEqual(t, dupValues(t, env, h, "a"), []string{"1"})
}

func TestCursorDelete(t *testing.T) {
	env := setup(t)
	r := env.reg
	h := env.create(t, "t", 0)
	for _, k := range []string{"a", "b", "c", "d"} {
		env.put(t, h, k, k)
	}

	c := must(r.Iterate(h, nil))
	if err := c.Delete(); !errors.Is(err, ErrCursorState) {
		t.Fatalf("Delete before Next err = %v, wanted ErrCursorState", err)
	}
	var seen []string
	for c.Next() {
		seen = append(seen, string(c.Key()))
		if k := string(c.Key()); k == "b" || k == "c" {
			ensure(c.Delete())
		}
	}
	ensure(c.Err())
	deepEqual(t, seen, []string{"a", "b", "c", "d"})
	deepEqual(t, scanAll(t, env, h), []string{"a=a", "d=d"})

	if err := c.Delete(); !errors.Is(err, ErrCursorClosed) {
		t.Fatalf("Delete after end err = %v, wanted ErrCursorClosed", err)
	}
	env.noFatals(t)
}

func TestCursorDeleteOutsideEntry(t *testing.T) {
	env := setup(t)
	r := env.reg
	h := env.create(t, "t", 0)
	env.put(t, h, "a", "1")

	c := must(r.Iterate(h, nil))
	if err := c.Delete(); !errors.Is(err, ErrCursorState) {
		t.Fatalf("Delete on fresh cursor err = %v, wanted ErrCursorState", err)
	}
	deepEqual(t, env.get(t, h, "a"), "1")

	for c.Next() {
	}
	ensure(c.Err())
	err := c.Delete()
	if !errors.Is(err, ErrCursorState) || !errors.Is(err, ErrCursorClosed) {
		t.Fatalf("Delete on exhausted cursor err = %v, wanted ErrCursorState and ErrCursorClosed", err)
	}
	deepEqual(t, env.get(t, h, "a"), "1")

	c = must(r.Iterate(h, nil))
	ensure(c.Close())
	if err := c.Delete(); !errors.Is(err, ErrCursorState) {
		t.Fatalf("Delete on closed cursor err = %v, wanted ErrCursorState", err)
	}
	deepEqual(t, scanAll(t, env, h), []string{"a=1"})
	env.noFatals(t)
}

func TestCursorDeleteDuplicates(t *testing.T) {
	env := setup(t)
	h := env.create(t, "t", Dup)
	env.put(t, h, "k", "1")
	env.put(t, h, "k", "2")
	env.put(t, h, "k", "3")

	c := must(env.reg.Iterate(h, []byte("k")))
	for c.Next() {
		if string(c.Value()) == "2" {
			ensure(c.Delete())
		}
	}
	ensure(c.Err())
	deepEqual(t, dupValues(t, env, h, "k"), []string{"1", "3"})
}

func TestCursorCloseEarly(t *testing.T) {
	env := setup(t)
	h := env.create(t, "t", 0)
	env.put(t, h, "a", "1")
	env.put(t, h, "b", "2")

	c := must(env.reg.Iterate(h, nil))
	if !c.Next() {
		t.Fatalf("Next = false, wanted true")
	}
	ensure(c.Close())
	if c.Next() {
		t.Fatalf("Next after Close = true, wanted false")
	}
	if c.Key() != nil || c.Value() != nil {
		t.Fatalf("Key/Value after Close = %q/%q, wanted nil", c.Key(), c.Value())
	}
	ensure(c.Close())

	// a fresh cursor can be closed too
	ensure(must(env.reg.Iterate(h, nil)).Close())
}

func TestCursorIndependent(t *testing.T) {
	env := setup(t)
	h := env.create(t, "t", 0)
	env.put(t, h, "a", "1")
	env.put(t, h, "b", "2")

	c1 := must(env.reg.Iterate(h, nil))
	c2 := must(env.reg.Iterate(h, nil))
	defer c1.Close()
	defer c2.Close()

	c1.Next()
	c1.Next()
	c2.Next()
	deepEqual(t, string(c1.Key()), "b")
	deepEqual(t, string(c2.Key()), "a")
}

func TestCursorSecondary(t *testing.T) {
	env, users, emails := setupUsers(t, 0)
	env.put(t, users, "u1", "foo|b@example.com")
	env.put(t, users, "u2", "bar|a@example.com")

	c := must(env.reg.Iterate(emails, nil))
	var got []string
	for c.Next() {
		got = append(got, fmt.Sprintf("%s>%s=%s", c.IndexKey(), c.Key(), c.Value()))
	}
	ensure(c.Err())
	deepEqual(t, got, []string{"a@example.com>u2=bar|a@example.com", "b@example.com>u1=foo|b@example.com"})

	c = must(env.reg.Iterate(users, nil))
	if !c.Next() || string(c.IndexKey()) != string(c.Key()) {
		t.Fatalf("primary IndexKey = %q, wanted same as Key %q", c.IndexKey(), c.Key())
	}
	ensure(c.Close())
}

func TestCursorBadHandle(t *testing.T) {
	env := setup(t)
	if _, err := env.reg.Iterate(3, nil); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("Iterate on bad handle err = %v, wanted ErrBadHandle", err)
	}
}

func TestStatsAndDump(t *testing.T) {
	env := setup(t)
	h := env.create(t, "t", Dup)
	env.put(t, h, "a", "1")
	env.put(t, h, "a", "22")
	env.put(t, h, "b", "\x00\x01")

	s := must(env.reg.Stats(h))
	deepEqual(t, s, TableStats{Entries: 3, Keys: 2, KeySize: 3, ValueSize: 5})
	deepEqual(t, s.TotalSize(), 8)

	out := must(env.reg.Dump(h, DumpRows))
	expected := fmt.Sprintf("%[1]s.1: \"a\" = \"1\"\n%[1]s.2: \"a\" = \"22\"\n%[1]s.3: \"b\" = 0001\n", env.loc("t"))
	deepEqual(t, out, expected)
}
