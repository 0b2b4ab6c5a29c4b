package util

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a ULID. Ids minted by one process sort by creation time.
func NewEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewOrderID returns a random UUID for a new aggregate.
func NewOrderID() string {
	return uuid.NewString()
}

// NewRequestID is used when the caller did not send X-Request-ID.
func NewRequestID() string {
	return uuid.NewString()
}
