package logging

import "testing"

func TestParseLevel(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error", " INFO "} {
		if _, err := parseLevel(level); err != nil {
			t.Errorf("parseLevel(%q) = %v", level, err)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Error("invalid level accepted")
	}
}

func TestConfigure(t *testing.T) {
	if err := Configure("debug"); err != nil {
		t.Fatal(err)
	}
	if err := Configure("nope"); err == nil {
		t.Error("invalid level accepted")
	}
}
