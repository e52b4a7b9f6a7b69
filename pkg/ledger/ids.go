package ledger

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// newID returns a ULID for t. IDs generated by one process sort in creation
// order, which the stores rely on for FIFO tie-breaks and pagination.
func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
