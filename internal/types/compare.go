package types

import (
	"strings"

	"rsql.dev/rsql/internal/rsqlerr"
)

// Compare orders two values of compatible kinds, returning -1, 0, or 1.
// Integer/Float compare numerically with Integer promoted to Float per the
// coercion rule in §4.8. CHAR(n) comparison strips trailing spaces from
// both operands first (open question, resolved in favor of SQL's
// padding-insensitive CHAR comparison semantics) before a byte compare.
func Compare(a, b Value) (int, error) {
	if a.IsNull() || b.IsNull() {
		return 0, rsqlerr.Newf(rsqlerr.TypeError, "cannot compare NULL with Compare; use IsNull")
	}

	switch {
	case a.Kind == KindInteger && b.Kind == KindInteger:
		return compareInt64(a.I, b.I), nil
	case isNumeric(a.Kind) && isNumeric(b.Kind):
		af, bf := asFloat(a), asFloat(b)
		return compareFloat64(af, bf), nil
	case a.Kind == KindBool && b.Kind == KindBool:
		if a.B == b.B {
			return 0, nil
		}
		if !a.B && b.B {
			return -1, nil
		}
		return 1, nil
	case isTextual(a.Kind) && isTextual(b.Kind):
		as, bs := a.S, b.S
		if a.Kind == KindChar {
			as = strings.TrimRight(as, " ")
		}
		if b.Kind == KindChar {
			bs = strings.TrimRight(bs, " ")
		}
		return strings.Compare(as, bs), nil
	default:
		return 0, rsqlerr.Newf(rsqlerr.TypeError, "cannot compare %s with %s", a.Kind, b.Kind)
	}
}

// Equal reports whether a and b are equal under Compare's semantics,
// treating NULL as never equal to anything (including another NULL),
// matching SQL's three-valued logic.
func Equal(a, b Value) bool {
	if a.IsNull() || b.IsNull() {
		return false
	}
	cmp, err := Compare(a, b)
	return err == nil && cmp == 0
}

func isNumeric(k Kind) bool { return k == KindInteger || k == KindFloat }
func isTextual(k Kind) bool { return k == KindChar || k == KindVarChar }

func asFloat(v Value) float64 {
	if v.Kind == KindInteger {
		return float64(v.I)
	}
	return v.F
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Like implements SQL LIKE: '%' matches any run of characters, '_' matches
// exactly one, comparing rune by rune with no collation. ILIKE folds case
// first via x/text/cases before the same match.
func Like(s, pattern string) bool {
	return likeMatch(s, pattern)
}

func likeMatch(s, pattern string) bool {
	// Classic DP over %/_ wildcards.
	sr, pr := []rune(s), []rune(pattern)
	n, m := len(sr), len(pr)
	dp := make([][]bool, n+1)
	for i := range dp {
		dp[i] = make([]bool, m+1)
	}
	dp[0][0] = true
	for j := 1; j <= m; j++ {
		if pr[j-1] == '%' {
			dp[0][j] = dp[0][j-1]
		}
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			switch pr[j-1] {
			case '%':
				dp[i][j] = dp[i-1][j] || dp[i][j-1]
			case '_':
				dp[i][j] = dp[i-1][j-1]
			default:
				dp[i][j] = dp[i-1][j-1] && sr[i-1] == pr[j-1]
			}
		}
	}
	return dp[n][m]
}
