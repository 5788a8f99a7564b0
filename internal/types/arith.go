package types

import (
	"rsql.dev/rsql/internal/rsqlerr"
)

// Op is an arithmetic operator.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
)

// Arith dispatches a binary arithmetic operation per §4.8's coercion rules:
// Integer op Float promotes to Float; any operand that is Null yields Null;
// division or modulo by zero raises ArithmeticError. Integer overflow wraps
// silently using Go's native int64 two's-complement arithmetic — the open
// question is resolved in favor of silent wraparound, not ArithmeticError,
// documented here at the single dispatch site rather than at every caller.
func Arith(op Op, a, b Value) (Value, error) {
	if a.IsNull() || b.IsNull() {
		return Null, nil
	}
	if !isNumeric(a.Kind) || !isNumeric(b.Kind) {
		return Value{}, rsqlerr.Newf(rsqlerr.TypeError, "arithmetic requires numeric operands, got %s and %s", a.Kind, b.Kind)
	}

	if a.Kind == KindInteger && b.Kind == KindInteger {
		switch op {
		case OpAdd:
			return Integer(a.I + b.I), nil
		case OpSub:
			return Integer(a.I - b.I), nil
		case OpMul:
			return Integer(a.I * b.I), nil
		case OpDiv:
			if b.I == 0 {
				return Value{}, rsqlerr.Newf(rsqlerr.ArithmeticError, "division by zero")
			}
			return Integer(a.I / b.I), nil
		case OpMod:
			if b.I == 0 {
				return Value{}, rsqlerr.Newf(rsqlerr.ArithmeticError, "modulo by zero")
			}
			return Integer(a.I % b.I), nil
		}
	}

	af, bf := asFloat(a), asFloat(b)
	switch op {
	case OpAdd:
		return Float(af + bf), nil
	case OpSub:
		return Float(af - bf), nil
	case OpMul:
		return Float(af * bf), nil
	case OpDiv:
		if bf == 0 {
			return Value{}, rsqlerr.Newf(rsqlerr.ArithmeticError, "division by zero")
		}
		return Float(af / bf), nil
	case OpMod:
		return Value{}, rsqlerr.Newf(rsqlerr.TypeError, "modulo is not defined for FLOAT operands")
	}
	return Value{}, rsqlerr.Newf(rsqlerr.TypeError, "unsupported arithmetic operator")
}
