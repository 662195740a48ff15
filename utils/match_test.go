package utils

import "testing"

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		value   string
		pattern string
		want    bool
	}{
		{"basic_analytics", "basic_analytics", true},
		{"basic_analytics", "detailed_analytics", false},
		{"basic_analytics", "*", true},
		{"", "*", true},
		{"", "", true},
		{"basic_analytics", "", false},
		{"basic_analytics", "basic_*", true},
		{"basic_analytics", "*_analytics", true},
		{"financial_data", "*_data", true},
		{"financial_report", "*_data", false},
		{"pii", "*_data", false},
		{"detailed_analytics", "*analytics*", true},
		{"user_analytics", "user*analytics", true},
		{"user_analytics", "user*data", false},
		{"basic_analytics", "basic_analytics*", true},
		{"Basic_Analytics", "basic_analytics", false},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.value, tc.pattern); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.value, tc.pattern, got, tc.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"basic_analytics", "*_data"}
	if !MatchAny("pii_data", patterns) {
		t.Error("expected pii_data to match *_data")
	}
	if !MatchAny("basic_analytics", patterns) {
		t.Error("expected exact match")
	}
	if MatchAny("detailed_analytics", patterns) {
		t.Error("detailed_analytics matches no pattern")
	}
	if MatchAny("anything", nil) {
		t.Error("empty pattern list matches nothing")
	}
	if !MatchAny("anything", []string{"*"}) {
		t.Error("wildcard list matches everything")
	}
}
