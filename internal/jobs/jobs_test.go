package jobs

import (
	"testing"
	"time"
)

func TestParseWeekday(t *testing.T) {
	cases := map[string]time.Weekday{
		"monday":    time.Monday,
		"Monday":    time.Monday,
		"SUNDAY":    time.Sunday,
		"wednesday": time.Wednesday,
	}
	for in, want := range cases {
		got, err := parseWeekday(in)
		if err != nil || got != want {
			t.Fatalf("parseWeekday(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseWeekday("someday"); err == nil {
		t.Fatalf("expected error for unknown weekday")
	}
}
