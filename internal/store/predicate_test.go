package store

import (
	"errors"
	"testing"
)

func TestParsePredicate(t *testing.T) {
	attrs := map[string]string{"color": "red", "year": "2021", "size": "large"}

	tests := []struct {
		expr string
		want bool
	}{
		{``, true},
		{`color == "red"`, true},
		{`color == red`, true},
		{`color == "blue"`, false},
		{`2020 <= year <= 2022`, true},
		{`2022 <= year <= 2030`, false},
		{`year <= 2021`, true},
		{`year >= 2022`, false},
		{`color == "red" and 2020 <= year <= 2022`, true},
		{`color == "red" AND size == "small"`, false},
		{`missing == "x"`, false},
		{`0 <= color <= 1`, false},
	}
	for _, tt := range tests {
		p, err := ParsePredicate(tt.expr)
		if err != nil {
			t.Errorf("ParsePredicate(%q) failed: %v", tt.expr, err)
			continue
		}
		if got := p.Match(attrs); got != tt.want {
			t.Errorf("%q matched = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestParsePredicate_Invalid(t *testing.T) {
	for _, expr := range []string{
		`color = red`,
		`5 <= year <= 1`,
		`a <= year <= 3`,
		`year <= soon`,
		`color == "red" and`,
	} {
		if _, err := ParsePredicate(expr); !errors.Is(err, ErrInvalidPredicate) {
			t.Errorf("ParsePredicate(%q) error = %v, want ErrInvalidPredicate", expr, err)
		}
	}
}

func TestParseAttributes(t *testing.T) {
	attrs, err := ParseAttributes(" color = red , year=2021")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if attrs["color"] != "red" || attrs["year"] != "2021" {
		t.Errorf("unexpected attributes %v", attrs)
	}

	if _, err := ParseAttributes("novalue"); err == nil {
		t.Error("expected error for attribute without '='")
	}
	if attrs, err := ParseAttributes(""); err != nil || len(attrs) != 0 {
		t.Errorf("empty line should give no attributes, got %v, %v", attrs, err)
	}
}
