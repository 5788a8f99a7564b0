package types

import "testing"

func TestCompareIntegerFloatCoercion(t *testing.T) {
	cmp, err := Compare(Integer(3), Float(3.5))
	if err != nil {
		t.Fatal(err)
	}
	if cmp != -1 {
		t.Fatalf("expected 3 < 3.5, got cmp=%d", cmp)
	}
}

func TestCharTrailingSpaceComparison(t *testing.T) {
	a, err := Char("ab", 5)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Char("ab ", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(a, b) {
		t.Fatalf("CHAR(5) values %q and %q should compare equal ignoring trailing spaces", a.S, b.S)
	}
}

func TestCharTooLongFails(t *testing.T) {
	if _, err := Char("toolong", 3); err == nil {
		t.Fatalf("expected error for CHAR(3) value longer than 3 bytes")
	}
}

func TestArithIntegerOverflowWraps(t *testing.T) {
	v, err := Arith(OpAdd, Integer(9223372036854775807), Integer(1))
	if err != nil {
		t.Fatalf("overflow should wrap silently, got error: %v", err)
	}
	if v.I != -9223372036854775808 {
		t.Fatalf("expected wraparound to math.MinInt64, got %d", v.I)
	}
}

func TestArithDivisionByZero(t *testing.T) {
	if _, err := Arith(OpDiv, Integer(1), Integer(0)); err == nil {
		t.Fatalf("expected ArithmeticError on division by zero")
	}
}

func TestArithNullPropagates(t *testing.T) {
	v, err := Arith(OpAdd, Null, Integer(5))
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNull() {
		t.Fatalf("expected NULL result from arithmetic with a NULL operand")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		Integer(-42),
		Float(3.14159),
		VarChar("hello"),
		Bool(true),
	}
	for _, v := range cases {
		buf, err := Encode(v)
		if err != nil {
			t.Fatal(err)
		}
		got, _, err := Decode(v.Kind, len(buf), buf)
		if err != nil {
			t.Fatal(err)
		}
		if !Equal(got, v) && got.String() != v.String() {
			t.Fatalf("round trip mismatch: got %v, want %v", got, v)
		}
	}
}

func TestEncodeKeyOrderingMatchesCompare(t *testing.T) {
	values := []Value{Integer(-100), Integer(-1), Integer(0), Integer(1), Integer(100)}
	for i := 0; i < len(values)-1; i++ {
		a, err := EncodeKey(values[i])
		if err != nil {
			t.Fatal(err)
		}
		b, err := EncodeKey(values[i+1])
		if err != nil {
			t.Fatal(err)
		}
		if bytesCompare(a, b) >= 0 {
			t.Fatalf("EncodeKey(%v) should sort before EncodeKey(%v)", values[i], values[i+1])
		}
	}
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func TestLikeWildcards(t *testing.T) {
	if !Like("hello world", "hello%") {
		t.Fatalf("expected prefix match with %%")
	}
	if !Like("abc", "a_c") {
		t.Fatalf("expected single-char wildcard match")
	}
	if Like("abc", "abd") {
		t.Fatalf("expected literal mismatch to fail")
	}
}

func TestILikeFoldsCase(t *testing.T) {
	if !ILike("HELLO", "hello") {
		t.Fatalf("expected case-insensitive match")
	}
}
