// Package system provides a real clock implementation.
package system

import "time"

// Clock implements scrape.Clock using time.Now in a fixed location.
type Clock struct {
	loc *time.Location
}

// New creates a Clock reporting times in loc. A nil loc uses time.Local,
// which makes the quota day boundary follow the server's clock.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.Local
	}
	return &Clock{loc: loc}
}

// Now returns the current time.
func (c Clock) Now() time.Time {
	return time.Now().In(c.loc)
}
