package htab

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestDupKey(t *testing.T) {
	raw := dupKey(nil, []byte("abc"), 7)
	if e := []byte{3, 'a', 'b', 'c', 0, 0, 0, 0, 0, 0, 0, 7}; !bytes.Equal(raw, e) {
		t.Fatalf("dupKey = %x, wanted %x", raw, e)
	}
	key, seq, err := decodeDupKey(raw)
	if err != nil || string(key) != "abc" || seq != 7 {
		t.Fatalf("decodeDupKey = (%q, %d, %v), wanted (abc, 7, nil)", key, seq, err)
	}

	if !bytes.HasPrefix(raw, dupPrefix(nil, []byte("abc"))) {
		t.Fatalf("dupKey does not start with dupPrefix")
	}
	if bytes.HasPrefix(dupKey(nil, []byte("abcd"), 1), dupPrefix(nil, []byte("abc"))) {
		t.Fatalf("dupPrefix(abc) matches a longer key")
	}

	// empty keys are fine
	key, seq, err = decodeDupKey(dupKey(nil, nil, 1))
	if err != nil || len(key) != 0 || seq != 1 {
		t.Fatalf("decodeDupKey(empty) = (%q, %d, %v), wanted (\"\", 1, nil)", key, seq, err)
	}
}

func TestDupKeyOrder(t *testing.T) {
	a := dupKey(nil, []byte("k"), 1)
	b := dupKey(nil, []byte("k"), 2)
	c := dupKey(nil, []byte("k"), 256)
	if bytes.Compare(a, b) >= 0 || bytes.Compare(b, c) >= 0 {
		t.Fatalf("dup keys do not sort in sequence order: %x %x %x", a, b, c)
	}
}

func TestDecodeDupKey_Errors(t *testing.T) {
	for _, raw := range [][]byte{
		nil,
		{5, 'a'},
		{1, 'a', 0, 0, 1},
		append(dupKey(nil, []byte("a"), 1), 0),
	} {
		var de *DataError
		if _, _, err := decodeDupKey(raw); !errors.As(err, &de) {
			t.Errorf("decodeDupKey(%x) err = %v, wanted *DataError", raw, err)
		}
	}
}

func TestUint32Codec(t *testing.T) {
	raw := encodeUint32(0x01020304)
	if !bytes.Equal(raw, []byte{1, 2, 3, 4}) {
		t.Fatalf("encodeUint32 = %x, wanted 01020304", raw)
	}
	v, err := decodeUint32(raw)
	if err != nil || v != 0x01020304 {
		t.Fatalf("decodeUint32 = (%x, %v), wanted (01020304, nil)", v, err)
	}
	if _, err := decodeUint32([]byte{1, 2}); err == nil {
		t.Fatalf("decodeUint32(short) err = nil, wanted error")
	}
}

func TestByteDecoder_Errors(t *testing.T) {
	t.Run("invalid uvarint", func(t *testing.T) {
		d := makeByteDecoder([]byte{0x80}) // continuation bit with no terminator
		_, err := d.Uvarint()
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("Uvarint err = %T %v, wanted *DataError", err, err)
		}
		if de.Off != 0 {
			t.Fatalf("DataError.Off = %d, wanted 0", de.Off)
		}
	})

	t.Run("uvarint overflows int", func(t *testing.T) {
		var b [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(b[:], uint64(math.MaxInt)+1)
		d := makeByteDecoder(b[:n])
		_, err := d.Uvarinti()
		if err == nil {
			t.Fatalf("Uvarinti err = nil, wanted error")
		}
	})

	t.Run("Raw not enough data", func(t *testing.T) {
		d := makeByteDecoder([]byte{1, 2})
		_, err := d.Raw(3)
		if err == nil {
			t.Fatalf("Raw err = nil, wanted error")
		}
	})
}
