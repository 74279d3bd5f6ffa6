package id

import "github.com/segmentio/ksuid"

// New returns a time-ordered, URL-safe job identifier.
func New() string {
	return ksuid.New().String()
}

// Valid reports whether s is a well-formed identifier returned by New.
func Valid(s string) bool {
	_, err := ksuid.Parse(s)
	return err == nil
}
