// Package system is the wall clock used outside tests.
package system

import "time"

// Clock reports wall time in UTC so stored timestamps never carry the host
// zone.
type Clock struct{}

// New returns the wall clock.
func New() Clock { return Clock{} }

// Now is time.Now in UTC.
func (Clock) Now() time.Time { return time.Now().UTC() }
