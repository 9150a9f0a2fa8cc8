package utils

import "testing"

func TestMatchesWithWildcard(t *testing.T) {
	tests := []struct {
		value   string
		matcher string
		want    bool
	}{
		{"kim@depot.example.com", "*@depot.example.com", true},
		{"Kim@Depot.Example.com", "*@depot.example.com", true},
		{"kim@example.com", "*@depot.example.com", false},
		{"kim@example.com", "kim@example.com", true},
		{"kim@example.com", "lee@example.com", false},
		{"kim@example.com", "", false},
		{"anything", "*", true},
	}

	for _, test := range tests {
		if got := MatchesWithWildcard(test.value, test.matcher); got != test.want {
			t.Errorf("MatchesWithWildcard(%q, %q) = %v, want %v", test.value, test.matcher, got, test.want)
		}
	}
}
