package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// ParseTimestamp parses an HL7v2 DTM value:
// YYYY[MM[DD[HH[MM[SS[.S[S[S[S]]]]]]]]][+/-ZZZZ].
// Values without an offset are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	loc := time.UTC
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		zone, err := time.Parse("-0700", s[i:])
		if err != nil {
			return time.Time{}, fmt.Errorf("hl7v2: invalid timezone in timestamp %q", s)
		}
		loc = zone.Location()
		s = s[:i]
	}

	var frac string
	if i := strings.IndexByte(s, '.'); i >= 0 {
		frac = s[i+1:]
		s = s[:i]
	}

	var layout string
	switch len(s) {
	case 14:
		layout = "20060102150405"
	case 12:
		layout = "200601021504"
	case 10:
		layout = "2006010215"
	case 8:
		layout = "20060102"
	case 6:
		layout = "200601"
	case 4:
		layout = "2006"
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}

	t, err := time.ParseInLocation(layout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("hl7v2: invalid timestamp %q: %w", s, err)
	}
	if frac != "" && layout == "20060102150405" {
		ns := 0
		for i, scale := 0, 100_000_000; i < len(frac) && i < 9; i, scale = i+1, scale/10 {
			c := frac[i]
			if c < '0' || c > '9' {
				return time.Time{}, fmt.Errorf("hl7v2: invalid fractional seconds in %q", frac)
			}
			ns += int(c-'0') * scale
		}
		t = t.Add(time.Duration(ns))
	}
	return t, nil
}

// FormatTimestamp renders t as an HL7v2 DTM to second precision, optionally
// with milliseconds and a timezone offset.
func FormatTimestamp(t time.Time, includeMillis, includeTimeZone bool) string {
	layout := "20060102150405"
	if includeMillis {
		layout += ".000"
	}
	if includeTimeZone {
		layout += "-0700"
	}
	return t.Format(layout)
}

// SetTimestamp rewrites MSH-7 of the message with the given precision.
func (m *Message) SetTimestamp(t time.Time, includeMillis, includeTimeZone bool) {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}
	msh.SetField(7, FormatTimestamp(t, includeMillis, includeTimeZone))
	m.Timestamp = t
}

// ReformatTimestamp rewrites MSH-7 of an existing message at the given
// precision, keeping the instant it already carries. It does nothing if
// MSH-7 is absent or cannot be parsed.
func (m *Message) ReformatTimestamp(includeMillis, includeTimeZone bool) {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}
	t, err := ParseTimestamp(msh.GetField(7))
	if err != nil {
		return
	}
	m.SetTimestamp(t, includeMillis, includeTimeZone)
}
