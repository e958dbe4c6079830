package tracker

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewExecutionID returns a lexicographically sortable execution identifier.
func NewExecutionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}
