package htab

import (
	"encoding/binary"
	"math"
)

// Duplicate-mode tables store each value under a raw key made of the
// length-prefixed user key followed by a fixed-width insertion sequence:
//
//	dupkey = len:uvarint key:bytes seq:uint64be
//
// All duplicates of a key share the dupPrefix and sort in insertion order.

const seqLen = 8

func dupPrefix(buf []byte, key []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(key)))
	return append(buf, key...)
}

func dupKey(buf []byte, key []byte, seq uint64) []byte {
	buf = dupPrefix(buf, key)
	return binary.BigEndian.AppendUint64(buf, seq)
}

func decodeDupKey(raw []byte) (key []byte, seq uint64, err error) {
	d := makeByteDecoder(raw)
	key, err = d.VarBytes()
	if err != nil {
		return nil, 0, err
	}
	tail, err := d.Raw(seqLen)
	if err != nil {
		return nil, 0, err
	}
	if len(d.Buf) != 0 {
		return nil, 0, dataErrf(raw, d.Off(), nil, "%d trailing bytes after dup key", len(d.Buf))
	}
	return key, binary.BigEndian.Uint64(tail), nil
}

func encodeUint32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), v)
}

func decodeUint32(raw []byte) (uint32, error) {
	if len(raw) != 4 {
		return 0, dataErrf(raw, 0, nil, "expected 4 bytes")
	}
	return binary.BigEndian.Uint32(raw), nil
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.Buf)
	if n <= 0 {
		return 0, dataErrf(d.Orig, d.Off(), nil, "invalid uvarint")
	}
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uvarinti() (int, error) {
	v, err := d.Uvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt {
		return 0, dataErrf(d.Orig, d.Off(), nil, "value does not fit into int: %d", v)
	}
	return int(v), nil
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, dataErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	return d.Raw(n)
}
