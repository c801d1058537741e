// Package timeutil formats timestamps the way the frontend expects them:
// ISO-8601 UTC with millisecond precision and a Z suffix, bit-exact with
// JavaScript's Date.toISOString().
package timeutil

import "time"

const isoLayout = "2006-01-02T15:04:05.000Z"

// NowISO8601 returns the current UTC time as an ISO-8601 string.
func NowISO8601() string {
	return ToISO8601(time.Now())
}

// ToISO8601 converts t to an ISO-8601 string with millisecond precision.
func ToISO8601(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// ParseISO8601 parses a string produced by ToISO8601.
func ParseISO8601(s string) (time.Time, error) {
	return time.Parse(isoLayout, s)
}
