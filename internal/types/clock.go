package types

import "time"

// Clock supplies the current time. The pipeline reads time only through a
// Clock so tests can substitute a fake and drive debounce and reclamation
// deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }
