package datascope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// ROW-LEVEL FILTERS
// ============================================================================

// FilterOperator names a row-level predicate.
type FilterOperator string

const (
	OpEquals    FilterOperator = "equals"
	OpNotEquals FilterOperator = "not_equals"
	OpIn        FilterOperator = "in"
	OpNotIn     FilterOperator = "not_in"
	OpContains  FilterOperator = "contains"
	OpRange     FilterOperator = "range"
)

// ValueKind tags the variant held by a FilterValue.
type ValueKind uint8

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueBool
	ValueList
)

// FilterValue is a closed tagged variant: string, number, bool, or a list of
// those. Filter values are typed rather than carried as bare interfaces so
// that comparisons are total and the JSON wire form stays unambiguous.
type FilterValue struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []FilterValue
}

func StringValue(s string) FilterValue  { return FilterValue{Kind: ValueString, Str: s} }
func NumberValue(n float64) FilterValue { return FilterValue{Kind: ValueNumber, Num: n} }
func BoolValue(b bool) FilterValue      { return FilterValue{Kind: ValueBool, Bool: b} }
func ListValue(items ...FilterValue) FilterValue {
	return FilterValue{Kind: ValueList, List: items}
}

// StringValues builds a value list from plain strings (the common case for
// in/not_in filters).
func StringValues(items ...string) []FilterValue {
	out := make([]FilterValue, 0, len(items))
	for _, s := range items {
		out = append(out, StringValue(s))
	}
	return out
}

// Equal reports strict equality: kinds must match before values are compared.
func (v FilterValue) Equal(o FilterValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueString:
		return v.Str == o.Str
	case ValueNumber:
		return v.Num == o.Num
	case ValueBool:
		return v.Bool == o.Bool
	case ValueList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value the way contains-matching sees it.
func (v FilterValue) String() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.String()
		}
		return strings.Join(parts, ",")
	}
	return ""
}

// MarshalJSON emits the bare JSON value (string, number, bool or array).
func (v FilterValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueString:
		return json.Marshal(v.Str)
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	}
	return nil, fmt.Errorf("unknown filter value kind: %d", v.Kind)
}

func (v *FilterValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fv, err := valueFromAny(raw)
	if err != nil {
		return err
	}
	*v = fv
	return nil
}

func valueFromAny(raw any) (FilterValue, error) {
	switch t := raw.(type) {
	case string:
		return StringValue(t), nil
	case float64:
		return NumberValue(t), nil
	case bool:
		return BoolValue(t), nil
	case []any:
		items := make([]FilterValue, 0, len(t))
		for _, item := range t {
			fv, err := valueFromAny(item)
			if err != nil {
				return FilterValue{}, err
			}
			items = append(items, fv)
		}
		return FilterValue{Kind: ValueList, List: items}, nil
	}
	return FilterValue{}, fmt.Errorf("unsupported filter value type %T", raw)
}

// DataAccessFilter is a row-level predicate attached to granted results.
// Required filters must hold for a record to pass; advisory filters
// (Required == false) only annotate, they never exclude.
type DataAccessFilter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Values   []FilterValue  `json:"values"`
	Required bool           `json:"required"`
}

// Fields recognized on extracted records for the scope-flag checks.
const (
	FieldContainsPII       = "containsPII"
	FieldContainsFinancial = "containsFinancialData"
	FieldContainsDetailed  = "containsDetailedAnalytics"
)

// FilterOutcome reports the records that passed plus what excluded the rest.
// Passed preserves the input order. ExcludedFields collects the field names
// whose required filters (or scope flags) excluded at least one record;
// AdvisoryFields collects fields whose advisory filters missed.
type FilterOutcome[T any] struct {
	Passed         []T
	Excluded       int
	ExcludedFields []string
	AdvisoryFields []string
}

// ApplyFilters evaluates filters against records with AND semantics: a record
// passes only if every required filter matches the fields produced by
// extract. Filters compose idempotently, so applying two lists in sequence
// equals applying their union once.
func ApplyFilters[T any](records []T, extract func(T) map[string]any, filters []DataAccessFilter) *FilterOutcome[T] {
	return ApplyFiltersScoped(records, extract, filters, nil)
}

// ApplyFiltersScoped additionally enforces the record-level scope flags: a
// record flagged as containing PII, financial or detailed-analytics data is
// excluded when the scope does not permit that class, independent of the
// filter list. A nil scope skips the flag checks.
func ApplyFiltersScoped[T any](records []T, extract func(T) map[string]any, filters []DataAccessFilter, scope *DataScopeRestriction) *FilterOutcome[T] {
	out := &FilterOutcome[T]{Passed: make([]T, 0, len(records))}
	excluded := make(map[string]struct{})
	advisory := make(map[string]struct{})

	for _, rec := range records {
		fields := extract(rec)
		keep := true
		for _, f := range filters {
			if matchFilter(fields, f) {
				continue
			}
			if !f.Required {
				advisory[f.Field] = struct{}{}
				continue
			}
			excluded[f.Field] = struct{}{}
			keep = false
		}
		if keep && scope != nil {
			if field, blocked := scopeBlocks(fields, scope); blocked {
				excluded[field] = struct{}{}
				keep = false
			}
		}
		if keep {
			out.Passed = append(out.Passed, rec)
		} else {
			out.Excluded++
		}
	}

	out.ExcludedFields = sortedFieldSet(excluded)
	out.AdvisoryFields = sortedFieldSet(advisory)
	return out
}

// matchFilter reports whether the extracted fields satisfy f. Absent fields
// fail equals/in/contains/range and pass the negated operators.
func matchFilter(fields map[string]any, f DataAccessFilter) bool {
	raw, present := fields[f.Field]
	var fv FilterValue
	scalar := false
	if present {
		fv, scalar = fieldValue(raw)
	}

	switch f.Operator {
	case OpEquals:
		return scalar && len(f.Values) > 0 && fv.Equal(f.Values[0])
	case OpNotEquals:
		if !scalar {
			return true
		}
		return len(f.Values) == 0 || !fv.Equal(f.Values[0])
	case OpIn:
		return scalar && memberOf(f.Values, fv)
	case OpNotIn:
		if !scalar {
			return true
		}
		return !memberOf(f.Values, fv)
	case OpContains:
		if !present || len(f.Values) == 0 {
			return false
		}
		return strings.Contains(stringifyField(raw), f.Values[0].String())
	case OpRange:
		lo, hi, ok := rangeBounds(f.Values)
		if !ok || !scalar || fv.Kind != ValueNumber {
			return false
		}
		return fv.Num >= lo && fv.Num <= hi
	}
	return false
}

// rangeBounds accepts either two scalar numbers or a single list value
// holding the pair.
func rangeBounds(values []FilterValue) (float64, float64, bool) {
	if len(values) == 1 && values[0].Kind == ValueList {
		values = values[0].List
	}
	if len(values) < 2 || values[0].Kind != ValueNumber || values[1].Kind != ValueNumber {
		return 0, 0, false
	}
	return values[0].Num, values[1].Num, true
}

func memberOf(values []FilterValue, fv FilterValue) bool {
	for _, v := range values {
		if v.Kind == ValueList {
			if memberOf(v.List, fv) {
				return true
			}
			continue
		}
		if v.Equal(fv) {
			return true
		}
	}
	return false
}

// fieldValue normalizes an extracted record field into the tagged variant.
// Numeric types collapse to float64 so a record's int compares equal to a
// filter's number.
func fieldValue(raw any) (FilterValue, bool) {
	switch t := raw.(type) {
	case FilterValue:
		return t, true
	case string:
		return StringValue(t), true
	case bool:
		return BoolValue(t), true
	case time.Time:
		return NumberValue(float64(t.Unix())), true
	}
	if n, ok := normalizeNumber(raw); ok {
		return NumberValue(n), true
	}
	return FilterValue{}, false
}

func normalizeNumber(raw any) (float64, bool) {
	switch n := raw.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func stringifyField(raw any) string {
	if fv, ok := raw.(FilterValue); ok {
		return fv.String()
	}
	return fmt.Sprint(raw)
}

func scopeBlocks(fields map[string]any, scope *DataScopeRestriction) (string, bool) {
	if recordFlagged(fields, FieldContainsPII) && !scope.CanViewPII {
		return FieldContainsPII, true
	}
	if recordFlagged(fields, FieldContainsFinancial) && !scope.CanViewFinancialData {
		return FieldContainsFinancial, true
	}
	if recordFlagged(fields, FieldContainsDetailed) && !scope.CanViewDetailedAnalytics {
		return FieldContainsDetailed, true
	}
	return "", false
}

func recordFlagged(fields map[string]any, name string) bool {
	v, ok := fields[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func sortedFieldSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
