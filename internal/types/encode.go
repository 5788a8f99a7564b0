package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes v per §4.8's on-disk leaf payload rules:
//   - Integer: 8 bytes, big-endian two's complement.
//   - Float: 8 bytes, IEEE-754 big-endian (via math.Float64bits).
//   - Char(s,n): exactly n bytes, right-padded with 0x20 (the Value must
//     already carry the padded string, as produced by the Char() constructor).
//   - VarChar(s): 2-byte big-endian length prefix + bytes, max 65535.
//   - Bool: 1 byte, 0 or 1.
//   - Null: zero bytes; nullability is tracked by the row's bitmap, not here.
func Encode(v Value) ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindInteger:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.I))
		return buf, nil
	case KindFloat:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.F))
		return buf, nil
	case KindChar:
		return []byte(v.S), nil
	case KindVarChar:
		if len(v.S) > 65535 {
			return nil, fmt.Errorf("VARCHAR value too long: %d bytes", len(v.S))
		}
		buf := make([]byte, 2+len(v.S))
		binary.BigEndian.PutUint16(buf, uint16(len(v.S)))
		copy(buf[2:], v.S)
		return buf, nil
	case KindBool:
		if v.B {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	default:
		return nil, fmt.Errorf("encode: unknown kind %v", v.Kind)
	}
}

// Decode deserializes a value of the given kind (and, for CHAR, length n)
// from buf, returning the number of bytes consumed.
func Decode(kind Kind, n int, buf []byte) (Value, int, error) {
	switch kind {
	case KindNull:
		return Null, 0, nil
	case KindInteger:
		if len(buf) < 8 {
			return Value{}, 0, fmt.Errorf("decode INTEGER: short buffer")
		}
		return Integer(int64(binary.BigEndian.Uint64(buf))), 8, nil
	case KindFloat:
		if len(buf) < 8 {
			return Value{}, 0, fmt.Errorf("decode FLOAT: short buffer")
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(buf))), 8, nil
	case KindChar:
		if len(buf) < n {
			return Value{}, 0, fmt.Errorf("decode CHAR(%d): short buffer", n)
		}
		return Value{Kind: KindChar, S: string(buf[:n])}, n, nil
	case KindVarChar:
		if len(buf) < 2 {
			return Value{}, 0, fmt.Errorf("decode VARCHAR: short buffer")
		}
		l := int(binary.BigEndian.Uint16(buf))
		if len(buf) < 2+l {
			return Value{}, 0, fmt.Errorf("decode VARCHAR: short buffer")
		}
		return VarChar(string(buf[2 : 2+l])), 2 + l, nil
	case KindBool:
		if len(buf) < 1 {
			return Value{}, 0, fmt.Errorf("decode BOOL: short buffer")
		}
		return Bool(buf[0] != 0), 1, nil
	default:
		return Value{}, 0, fmt.Errorf("decode: unknown kind %v", kind)
	}
}

// EncodeKey produces an order-preserving byte encoding of v suitable for use
// as a B+Tree key: byte-comparing two EncodeKey outputs yields the same
// order as Compare on the original values. This generalizes the teacher's
// raw []byte B+Tree keys to typed Integer/Float/Char/VarChar keys (C5/C8).
func EncodeKey(v Value) ([]byte, error) {
	switch v.Kind {
	case KindInteger:
		// Flip the sign bit so two's-complement ordering matches
		// unsigned byte-wise ordering: negative numbers sort before
		// positive ones when compared as big-endian unsigned bytes.
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.I)^(1<<63))
		return buf, nil
	case KindFloat:
		bits := math.Float64bits(v.F)
		if v.F >= 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, bits)
		return buf, nil
	case KindChar, KindVarChar:
		// Raw bytes already compare in the right order; VarChar keys
		// are NUL-terminated so a short key never becomes a prefix
		// collision with a key that continues past it.
		buf := make([]byte, len(v.S)+1)
		copy(buf, v.S)
		buf[len(v.S)] = 0
		return buf, nil
	case KindBool:
		if v.B {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	default:
		return nil, fmt.Errorf("EncodeKey: unsupported kind %v", v.Kind)
	}
}
