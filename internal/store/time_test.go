package store

import (
	"testing"
	"time"
)

func TestParseTimeAware(t *testing.T) {
	got, err := parseTime("2025-01-10T14:00:00+01:00", time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2025, 1, 10, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseTime = %v, want %v", got, want)
	}
}

func TestParseTimeNaiveUsesLocation(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	got, err := parseTime("2025-01-10 14:00:00", paris)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2025, 1, 10, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseTime = %v, want %v", got, want)
	}
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	if _, err := parseTime("yesterday", time.UTC); err == nil {
		t.Error("expected error for unparseable time")
	}
}

func TestFormatTimeOrdersLexically(t *testing.T) {
	a := formatTime(time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC))
	b := formatTime(time.Date(2025, 1, 10, 14, 0, 0, 500, time.UTC))
	if !(a < b) {
		t.Errorf("expected %q < %q", a, b)
	}
	if len(a) != len(b) {
		t.Errorf("lengths differ: %d vs %d", len(a), len(b))
	}
}
