//go:build !unix

package cpulimit

import (
	"errors"
	"time"
)

// Without getrusage the throttle never sleeps.
func processCPUTime() (time.Duration, error) {
	return 0, errors.New("process cpu time unavailable on this platform")
}
