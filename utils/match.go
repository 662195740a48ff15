package utils

// MatchPattern checks whether value matches pattern. Patterns may include
// the wildcard '*', which matches any sequence of characters (including
// none). A pattern without wildcards is an exact string comparison, so
// plain data type names match only themselves and the "*" sentinel matches
// everything.
func MatchPattern(value, pattern string) bool {
	if pattern == "*" {
		return true
	}

	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)
	// backtracking points for the most recent '*'
	star, mark := -1, 0

	for vIndex < vLen {
		switch {
		case pIndex < pLen && pattern[pIndex] == '*':
			star = pIndex
			mark = vIndex
			pIndex++
		case pIndex < pLen && pattern[pIndex] == value[vIndex]:
			vIndex++
			pIndex++
		case star >= 0:
			// mismatch after a '*': let the star absorb one more char
			mark++
			vIndex = mark
			pIndex = star + 1
		default:
			return false
		}
	}

	for pIndex < pLen && pattern[pIndex] == '*' {
		pIndex++
	}
	return pIndex == pLen
}

// MatchAny reports whether value matches at least one of the patterns.
func MatchAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if MatchPattern(value, p) {
			return true
		}
	}
	return false
}
