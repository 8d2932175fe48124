package dispatch

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from  string
		to    string
		valid bool
	}{
		{"created", "offering", true},
		{"created", "exhausted", true},
		{"created", "accepted", false},
		{"offering", "accepted", true},
		{"offering", "escalating", true},
		{"offering", "cancelled", true},
		{"offering", "exhausted", false},
		{"escalating", "offering", true},
		{"escalating", "exhausted", true},
		{"escalating", "cancelled", true},
		{"escalating", "accepted", false},
		{"accepted", "offering", false},
		{"accepted", "cancelled", false},
		{"exhausted", "offering", false},
		{"cancelled", "accepted", false},
		{"offering", "unknown", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}
