package types

import (
	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// ILike implements SQL ILIKE: a case-insensitive LIKE. Case folding uses
// golang.org/x/text/cases instead of strings.ToLower so that non-ASCII
// input (the teacher's notebooks never exercised anything past ASCII) is
// folded correctly under Unicode case-folding rules.
func ILike(s, pattern string) bool {
	return likeMatch(foldCaser.String(s), foldCaser.String(pattern))
}
