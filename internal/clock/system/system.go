// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock reads time.Now in UTC so timestamps stored by the catalog and
// frontier compare consistently across backends.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
