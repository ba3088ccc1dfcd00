package clock

import "time"

// Clock abstracts time for schedulers and expiry logic so tests can
// drive it deterministically.
type Clock interface {
	Now() time.Time
}
