package oidc

import "time"

// Clock is the time source used for every temporal comparison in the
// package. Injecting it keeps validation deterministic in tests and allows
// callers to supply network-synchronized time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }
