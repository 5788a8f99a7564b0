package types

import (
	"fmt"

	"rsql.dev/rsql/internal/rsqlerr"
)

// EncodeRow serializes a full row against cols per §4.8: a nullability
// bitmap (one bit per column in ceil(n/8) bytes; column i is bit i%8 of
// byte i/8, counted from the least-significant bit)
// precedes the sequence of per-column Encode payloads. A null column
// contributes a set bit and zero encoded bytes.
func EncodeRow(cols []Column, vals []Value) ([]byte, error) {
	if len(vals) != len(cols) {
		return nil, fmt.Errorf("row has %d values, table has %d columns", len(vals), len(cols))
	}

	bitmapLen := (len(cols) + 7) / 8
	bitmap := make([]byte, bitmapLen)
	var payload []byte

	for i, v := range vals {
		if v.IsNull() {
			bitmap[i/8] |= 1 << uint(i%8)
			continue
		}
		if v.Kind != cols[i].Kind {
			return nil, rsqlerr.Newf(rsqlerr.TypeError, "column %q expects %s, got %s", cols[i].Name, cols[i].Kind, v.Kind)
		}
		enc, err := Encode(v)
		if err != nil {
			return nil, err
		}
		payload = append(payload, enc...)
	}

	out := make([]byte, 0, bitmapLen+len(payload))
	out = append(out, bitmap...)
	out = append(out, payload...)
	return out, nil
}

// DecodeRow is EncodeRow's inverse: it reads the nullability bitmap then
// decodes each non-null column's payload according to cols' declared
// Kind/Len, producing Null for bitmap-set columns.
func DecodeRow(cols []Column, buf []byte) ([]Value, error) {
	bitmapLen := (len(cols) + 7) / 8
	if len(buf) < bitmapLen {
		return nil, fmt.Errorf("decode row: buffer shorter than bitmap (%d bytes)", bitmapLen)
	}
	bitmap := buf[:bitmapLen]
	off := bitmapLen

	out := make([]Value, len(cols))
	for i, c := range cols {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			out[i] = Null
			continue
		}
		v, n, err := Decode(c.Kind, c.Len, buf[off:])
		if err != nil {
			return nil, fmt.Errorf("decode column %q: %w", c.Name, err)
		}
		out[i] = v
		off += n
	}
	return out, nil
}
