package datascope

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseFilterExpr parses a limited filter expression syntax into
// DataAccessFilter values. It intentionally supports the patterns callers
// actually write (equality, membership, contains, numeric ranges) joined by
// && while keeping parsing simple and deterministic.
//
//	accountId == 'acc-1' && region in ['eu', 'us'] && score between 10 and 90
//
// A '?' suffix on a field name marks the filter advisory instead of
// required.
func ParseFilterExpr(s string) ([]DataAccessFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	clauses := strings.Split(s, "&&")
	filters := make([]DataAccessFilter, 0, len(clauses))
	for _, clause := range clauses {
		f, err := parseFilterClause(strings.TrimSpace(clause))
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func parseFilterClause(s string) (DataAccessFilter, error) {
	// membership, with "not in" checked before "in" matches inside it
	notInRe := regexp.MustCompile(`^([a-zA-Z0-9_\.]+\??)\s+not\s+in\s*\[([^\]]*)\]$`)
	if m := notInRe.FindStringSubmatch(s); len(m) == 3 {
		field, required := fieldMarker(m[1])
		values, err := parseValueList(m[2])
		if err != nil {
			return DataAccessFilter{}, err
		}
		return DataAccessFilter{Field: field, Operator: OpNotIn, Values: values, Required: required}, nil
	}

	inRe := regexp.MustCompile(`^([a-zA-Z0-9_\.]+\??)\s+in\s*\[([^\]]*)\]$`)
	if m := inRe.FindStringSubmatch(s); len(m) == 3 {
		field, required := fieldMarker(m[1])
		values, err := parseValueList(m[2])
		if err != nil {
			return DataAccessFilter{}, err
		}
		return DataAccessFilter{Field: field, Operator: OpIn, Values: values, Required: required}, nil
	}

	// numeric range e.g., score between 10 and 90
	betweenRe := regexp.MustCompile(`^([a-zA-Z0-9_\.]+\??)\s+between\s+(-?\d+(?:\.\d+)?)\s+and\s+(-?\d+(?:\.\d+)?)$`)
	if m := betweenRe.FindStringSubmatch(s); len(m) == 4 {
		field, required := fieldMarker(m[1])
		low, _ := strconv.ParseFloat(m[2], 64)
		high, _ := strconv.ParseFloat(m[3], 64)
		return DataAccessFilter{
			Field:    field,
			Operator: OpRange,
			Values:   []FilterValue{NumberValue(low), NumberValue(high)},
			Required: required,
		}, nil
	}

	containsRe := regexp.MustCompile(`^([a-zA-Z0-9_\.]+\??)\s+contains\s+(.+)$`)
	if m := containsRe.FindStringSubmatch(s); len(m) == 3 {
		field, required := fieldMarker(m[1])
		value, err := parseScalarToken(m[2])
		if err != nil {
			return DataAccessFilter{}, err
		}
		return DataAccessFilter{Field: field, Operator: OpContains, Values: []FilterValue{value}, Required: required}, nil
	}

	neRe := regexp.MustCompile(`^([a-zA-Z0-9_\.]+\??)\s*!=\s*(.+)$`)
	if m := neRe.FindStringSubmatch(s); len(m) == 3 {
		field, required := fieldMarker(m[1])
		value, err := parseScalarToken(m[2])
		if err != nil {
			return DataAccessFilter{}, err
		}
		return DataAccessFilter{Field: field, Operator: OpNotEquals, Values: []FilterValue{value}, Required: required}, nil
	}

	eqRe := regexp.MustCompile(`^([a-zA-Z0-9_\.]+\??)\s*==\s*(.+)$`)
	if m := eqRe.FindStringSubmatch(s); len(m) == 3 {
		field, required := fieldMarker(m[1])
		value, err := parseScalarToken(m[2])
		if err != nil {
			return DataAccessFilter{}, err
		}
		return DataAccessFilter{Field: field, Operator: OpEquals, Values: []FilterValue{value}, Required: required}, nil
	}

	return DataAccessFilter{}, fmt.Errorf("unsupported filter syntax: %s", s)
}

func fieldMarker(s string) (field string, required bool) {
	if strings.HasSuffix(s, "?") {
		return s[:len(s)-1], false
	}
	return s, true
}

// parseScalarToken turns a literal token into a typed value: quotes force a
// string, true/false parse as bool, numbers as number, bare words fall back
// to string.
func parseScalarToken(tok string) (FilterValue, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return FilterValue{}, fmt.Errorf("empty value")
	}
	if len(tok) >= 2 && (tok[0] == '\'' || tok[0] == '"') && tok[len(tok)-1] == tok[0] {
		return StringValue(tok[1 : len(tok)-1]), nil
	}
	switch tok {
	case "true":
		return BoolValue(true), nil
	case "false":
		return BoolValue(false), nil
	}
	if n, err := strconv.ParseFloat(tok, 64); err == nil {
		return NumberValue(n), nil
	}
	return StringValue(tok), nil
}

func parseValueList(inner string) ([]FilterValue, error) {
	items := splitListItems(inner)
	values := make([]FilterValue, 0, len(items))
	for _, item := range items {
		v, err := parseScalarToken(item)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func splitListItems(inner string) []string {
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
