package htab

import (
	"errors"
	"testing"
)

func TestOpsEndToEnd(t *testing.T) {
	env := setup(t)
	r := env.reg
	h := env.create(t, "T", 0)

	env.put(t, h, "a", "1")
	env.put(t, h, "b", "2")
	deepEqual(t, env.get(t, h, "a"), "1")

	deleted, err := r.DeleteMatching(h, []byte("b"), []byte("2"))
	if err != nil || !deleted {
		t.Fatalf("DeleteMatching(b, 2) = (%v, %v), wanted (true, nil)", deleted, err)
	}
	deepEqual(t, env.get(t, h, "b"), "<none>")
	env.noFatals(t)
}

func TestOpsPut(t *testing.T) {
	env := setup(t)
	r := env.reg
	h := env.create(t, "t", 0)

	existed, err := r.Put(h, []byte("k"), []byte("v1"))
	if err != nil || existed {
		t.Fatalf("Put(new) = (%v, %v), wanted (false, nil)", existed, err)
	}
	existed, err = r.Put(h, []byte("k"), []byte("v2"))
	if err != nil || !existed {
		t.Fatalf("Put(existing) = (%v, %v), wanted (true, nil)", existed, err)
	}
	deepEqual(t, env.get(t, h, "k"), "v2")

	existed, err = r.PutString(h, "empty", nil)
	if err != nil || existed {
		t.Fatalf("PutString(empty) = (%v, %v), wanted (false, nil)", existed, err)
	}
	v, found, err := r.GetString(h, "empty")
	if err != nil || !found || len(v) != 0 {
		t.Fatalf("GetString(empty) = (%q, %v, %v), wanted empty value found", v, found, err)
	}

	if _, err := r.Put(h, nil, []byte("v")); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("Put(nil key) err = %v, wanted ErrKeyRequired", err)
	}
	env.noFatals(t)
}

func TestOpsExists(t *testing.T) {
	env := setup(t)
	r := env.reg
	h := env.create(t, "t", 0)
	env.put(t, h, "k", "v")

	for i := 0; i < 3; i++ {
		if !must(r.Exists(h, []byte("k"))) {
			t.Fatalf("Exists(k) = false, wanted true")
		}
		if must(r.Exists(h, []byte("missing"))) {
			t.Fatalf("Exists(missing) = true, wanted false")
		}
	}
}

func TestOpsDelete(t *testing.T) {
	env := setup(t)
	r := env.reg
	h := env.create(t, "t", 0)
	env.put(t, h, "k", "v")

	deleted, err := r.Delete(h, []byte("k"))
	if err != nil || !deleted {
		t.Fatalf("Delete(k) = (%v, %v), wanted (true, nil)", deleted, err)
	}
	deleted, err = r.Delete(h, []byte("k"))
	if err != nil || deleted {
		t.Fatalf("Delete(k) again = (%v, %v), wanted (false, nil)", deleted, err)
	}

	env.put(t, h, "k", "v")
	deleted, err = r.DeleteMatching(h, []byte("k"), []byte("other"))
	if err != nil || deleted {
		t.Fatalf("DeleteMatching(k, other) = (%v, %v), wanted (false, nil)", deleted, err)
	}
	deepEqual(t, env.get(t, h, "k"), "v")
	deleted, err = r.DeleteMatching(h, []byte("missing"), []byte("v"))
	if err != nil || deleted {
		t.Fatalf("DeleteMatching(missing) = (%v, %v), wanted (false, nil)", deleted, err)
	}
	env.noFatals(t)
}

func TestOpsDuplicates(t *testing.T) {
	env := setup(t)
	r := env.reg
	h := env.create(t, "t", Dup)

	existed := must(r.Put(h, []byte("k"), []byte("1")))
	deepEqual(t, existed, false)
	existed = must(r.Put(h, []byte("k"), []byte("2")))
	deepEqual(t, existed, true)
	env.put(t, h, "k", "1")
	env.put(t, h, "k", "3")
	env.put(t, h, "kk", "x")

	deepEqual(t, env.get(t, h, "k"), "1")
	deepEqual(t, dupValues(t, env, h, "k"), []string{"1", "2", "1", "3"})

	// only the first equal value goes
	deleted := must(r.DeleteMatching(h, []byte("k"), []byte("1")))
	deepEqual(t, deleted, true)
	deepEqual(t, dupValues(t, env, h, "k"), []string{"2", "1", "3"})

	deleted = must(r.DeleteMatching(h, []byte("k"), []byte("3")))
	deepEqual(t, deleted, true)
	deepEqual(t, dupValues(t, env, h, "k"), []string{"2", "1"})

	deleted = must(r.Delete(h, []byte("k")))
	deepEqual(t, deleted, true)
	deepEqual(t, dupValues(t, env, h, "k"), []string(nil))
	deepEqual(t, env.get(t, h, "kk"), "x")

	// empty keys are fine in duplicate mode
	env.put(t, h, "", "e")
	deepEqual(t, env.get(t, h, ""), "e")
	env.noFatals(t)
}

func dupValues(t testing.TB, env *testEnv, h Handle, key string) []string {
	t.Helper()
	c, err := env.reg.Iterate(h, []byte(key))
	if err != nil {
		t.Fatalf("Iterate(%q) failed: %v", key, err)
	}
	var result []string
	for c.Next() {
		if string(c.Key()) != key {
			t.Fatalf("Iterate(%q) yielded key %q", key, c.Key())
		}
		result = append(result, string(c.Value()))
	}
	if err := c.Err(); err != nil {
		t.Fatalf("Iterate(%q) failed: %v", key, err)
	}
	return result
}
