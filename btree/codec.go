// codec encodes and decodes the typed tuples stored in a leaf cell. This
// replaces the teacher's gob based Encode/Decode with a hand rolled
// varint+zigzag wire format, since the stored bytes must be bit exact and
// stable across Go versions, something gob does not promise.
package btree

import (
	"encoding/binary"
	"errors"
	"math"
	"unicode/utf8"
)

// Value tags, matching the type byte written ahead of each payload.
const (
	TagNull    = 0
	TagInteger = 1
	TagReal    = 2
	TagText    = 3
	TagBlob    = 4
)

// ErrCorrupt is returned by Decode when the bytes do not describe a valid
// record: an unrecognized tag, a truncated payload, or invalid UTF-8 in a
// Text value.
var ErrCorrupt = errors.New("btree: corrupt record")

// Value is one column value of a record. Exactly one of the typed fields is
// meaningful, selected by Tag.
type Value struct {
	Tag  byte
	I    int64
	R    float64
	Text string
	Blob []byte
}

// NullValue, IntValue, RealValue, TextValue and BlobValue are convenience
// constructors used throughout the vm and planner.
func NullValue() Value          { return Value{Tag: TagNull} }
func IntValue(i int64) Value    { return Value{Tag: TagInteger, I: i} }
func RealValue(r float64) Value { return Value{Tag: TagReal, R: r} }
func TextValue(s string) Value  { return Value{Tag: TagText, Text: s} }
func BlobValue(b []byte) Value  { return Value{Tag: TagBlob, Blob: b} }

// IsNull reports whether v holds the Null value.
func (v Value) IsNull() bool { return v.Tag == TagNull }

// Encode serializes values into the wire format: a varint count, one tag
// byte per value, then each value's payload in order. Integers are
// zigzag+varint, reals are 8 byte big-endian IEEE 754, text and blob are
// varint length prefixed.
func Encode(values []Value) []byte {
	buf := make([]byte, 0, 16+len(values)*4)
	buf = appendUvarint(buf, uint64(len(values)))
	for _, v := range values {
		buf = append(buf, v.Tag)
	}
	for _, v := range values {
		switch v.Tag {
		case TagNull:
		case TagInteger:
			buf = appendUvarint(buf, zigzagEncode(v.I))
		case TagReal:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v.R))
			buf = append(buf, b[:]...)
		case TagText:
			s := []byte(v.Text)
			buf = appendUvarint(buf, uint64(len(s)))
			buf = append(buf, s...)
		case TagBlob:
			buf = appendUvarint(buf, uint64(len(v.Blob)))
			buf = append(buf, v.Blob...)
		}
	}
	return buf
}

// Decode is the inverse of Encode. Any structural problem, an unknown tag,
// a payload that runs past the end of b, or invalid UTF-8 in a Text value,
// is reported as ErrCorrupt.
func Decode(b []byte) ([]Value, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, ErrCorrupt
	}
	b = b[n:]
	if uint64(len(b)) < count {
		return nil, ErrCorrupt
	}
	tags := b[:count]
	b = b[count:]
	values := make([]Value, count)
	for i, tag := range tags {
		switch tag {
		case TagNull:
			values[i] = Value{Tag: TagNull}
		case TagInteger:
			zz, n := binary.Uvarint(b)
			if n <= 0 {
				return nil, ErrCorrupt
			}
			b = b[n:]
			values[i] = Value{Tag: TagInteger, I: zigzagDecode(zz)}
		case TagReal:
			if len(b) < 8 {
				return nil, ErrCorrupt
			}
			values[i] = Value{Tag: TagReal, R: math.Float64frombits(binary.BigEndian.Uint64(b[:8]))}
			b = b[8:]
		case TagText:
			length, n := binary.Uvarint(b)
			if n <= 0 {
				return nil, ErrCorrupt
			}
			b = b[n:]
			if uint64(len(b)) < length {
				return nil, ErrCorrupt
			}
			s := b[:length]
			if !utf8.Valid(s) {
				return nil, ErrCorrupt
			}
			values[i] = Value{Tag: TagText, Text: string(s)}
			b = b[length:]
		case TagBlob:
			length, n := binary.Uvarint(b)
			if n <= 0 {
				return nil, ErrCorrupt
			}
			b = b[n:]
			if uint64(len(b)) < length {
				return nil, ErrCorrupt
			}
			blob := make([]byte, length)
			copy(blob, b[:length])
			values[i] = Value{Tag: TagBlob, Blob: blob}
			b = b[length:]
		default:
			return nil, ErrCorrupt
		}
	}
	return values, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// EncodeKey encodes a rowid as a big-endian 8 byte key, giving keys the same
// ordering as the integers they represent when compared lexicographically.
func EncodeKey(rowID int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(rowID))
	return buf
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Compare orders two values per the total ordering: Null < Integer/Real
// (numeric, Integer coerced to Real) < Text (lex) < Blob (lex). Returns a
// negative number, zero, or a positive number as a < b, a == b, a > b.
func Compare(a, b Value) int {
	rank := func(v Value) int {
		switch v.Tag {
		case TagNull:
			return 0
		case TagInteger, TagReal:
			return 1
		case TagText:
			return 2
		default:
			return 3
		}
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 0:
		return 0
	case 1:
		af, bf := numeric(a), numeric(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case 2:
		switch {
		case a.Text < b.Text:
			return -1
		case a.Text > b.Text:
			return 1
		default:
			return 0
		}
	default:
		switch {
		case string(a.Blob) < string(b.Blob):
			return -1
		case string(a.Blob) > string(b.Blob):
			return 1
		default:
			return 0
		}
	}
}

func numeric(v Value) float64 {
	if v.Tag == TagInteger {
		return float64(v.I)
	}
	return v.R
}
