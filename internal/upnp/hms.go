package upnp

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidHMS is returned for strings that are not UPnP H+:MM:SS durations.
var ErrInvalidHMS = errors.New("invalid HMS duration")

// ParseHMS converts a UPnP duration of the form [+|-]H+:MM:SS[.F+] or
// [+|-]H+:MM:SS[.F0/F1] into seconds.
func ParseHMS(value string) (float64, error) {
	s := strings.TrimSpace(value)
	negative := false
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasPrefix(s, "-"):
		negative = true
		s = s[1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHMS, value)
	}
	secPart, frac, hasFrac := strings.Cut(parts[2], ".")
	if !isDigits(parts[0]) || !isTwoDigits(parts[1]) || !isTwoDigits(secPart) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHMS, value)
	}

	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHMS, value)
	}
	minutes, _ := strconv.Atoi(parts[1])
	seconds, _ := strconv.Atoi(secPart)
	if minutes > 59 || seconds > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHMS, value)
	}

	fraction := 0.0
	if hasFrac {
		fraction, err = parseFraction(frac)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidHMS, value)
		}
	}

	total := float64(hours)*3600 + float64(minutes)*60 + float64(seconds) + fraction
	if negative {
		total = -total
	}
	return total, nil
}

// parseFraction accepts either decimal digits or an F0/F1 ratio with F0 < F1.
func parseFraction(frac string) (float64, error) {
	if num, den, ok := strings.Cut(frac, "/"); ok {
		if !isDigits(num) || !isDigits(den) {
			return 0, ErrInvalidHMS
		}
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, err
		}
		d, err := strconv.ParseInt(den, 10, 64)
		if err != nil {
			return 0, err
		}
		if d == 0 || n >= d {
			return 0, ErrInvalidHMS
		}
		return float64(n) / float64(d), nil
	}
	if frac == "" {
		return 0, nil
	}
	if !isDigits(frac) {
		return 0, ErrInvalidHMS
	}
	return strconv.ParseFloat("0."+frac, 64)
}

// FormatHMS renders seconds as H:MM:SS, appending a millisecond fraction only
// when the value is not integral.
func FormatHMS(seconds float64) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	ms := int64(math.Round(seconds * 1000))
	whole := ms / 1000
	millis := ms % 1000

	out := fmt.Sprintf("%s%d:%02d:%02d", sign, whole/3600, (whole%3600)/60, whole%60)
	if millis > 0 {
		out += strings.TrimRight(fmt.Sprintf(".%03d", millis), "0")
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isTwoDigits(s string) bool {
	return len(s) == 2 && isDigits(s)
}
