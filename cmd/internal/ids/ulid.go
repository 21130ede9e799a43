// Package ids provides the id primitives shared by Collab packages (ULIDs and random hex).
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new ULID string (26 chars).
// IDs minted within the same millisecond stay strictly increasing, so they sort in creation order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IsULID reports whether s parses as a ULID.
func IsULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
