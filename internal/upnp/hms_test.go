package upnp

import (
	"errors"
	"testing"
)

func TestParseHMS(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"00:00:00", 0},
		{"0:01:40", 100},
		{"1:01:01", 3661},
		{"+0:00:05", 5},
		{"-1:00:00", -3600},
		{"0:00:05.5", 5.5},
		{"0:00:05.", 5},
		{"0:00:05.1/4", 5.25},
		{"123:00:00", 123 * 3600},
	}
	for _, tc := range cases {
		got, err := ParseHMS(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: expected %v got %v", tc.in, tc.want, got)
		}
	}
}

func TestParseHMSRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"00:00",
		"0:-1:00",
		"0:00:-1",
		"0:60:00",
		"0:00:60",
		"0:0:00",
		"0:00:0",
		":00:00",
		"a:00:00",
		"0:00:05.3/2",
		"0:00:05.1/0",
		"0:00:05.x",
		"NOT_IMPLEMENTED",
	} {
		if _, err := ParseHMS(in); !errors.Is(err, ErrInvalidHMS) {
			t.Fatalf("parse %q: expected ErrInvalidHMS, got %v", in, err)
		}
	}
}

func TestFormatHMS(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0:00:00"},
		{100, "0:01:40"},
		{3661, "1:01:01"},
		{5.5, "0:00:05.5"},
		{5.25, "0:00:05.25"},
		{-3661, "-1:01:01"},
		{36000, "10:00:00"},
	}
	for _, tc := range cases {
		if got := FormatHMS(tc.in); got != tc.want {
			t.Fatalf("format %v: expected %q got %q", tc.in, tc.want, got)
		}
	}
}

func TestHMSRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1, 59, 61, 3599, 3600, 86399, 12.5, -42} {
		got, err := ParseHMS(FormatHMS(v))
		if err != nil {
			t.Fatalf("round trip %v: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %v: got %v", v, got)
		}
	}
}
