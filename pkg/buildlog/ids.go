package buildlog

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// IDSource mints lexicographically sortable event IDs. IDs minted within the
// same millisecond keep increasing.
type IDSource struct {
	mu sync.Mutex
	// entropy is the monotonic reader from ulid.Monotonic; it is not safe
	// for concurrent use, hence mu.
	entropy io.Reader
}

// NewIDSource returns an IDSource seeded from crypto/rand.
func NewIDSource() *IDSource {
	return &IDSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns the next ID for an event stamped at t.
func (s *IDSource) New(t time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
