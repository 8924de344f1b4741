// Package custody records, per container, who owns it, what it costs and the
// wrapped content key that unlocks it. Records are write-once: a container is
// never re-keyed in place, a successor gets its own record.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("custody: record not found")
	ErrExists   = errors.New("custody: record already exists")
)

// Record is the custody entry for one container.
type Record struct {
	TrackingID      uuid.UUID
	OwnerIdentity   string
	WrappedKey      string // kms "v<N>:<base64>" form, never the raw key
	ContainerRef    string // artifact store reference, "sha256:<hex>"
	ReceiverAddress string
	PriceMinorUnits uint64
	ContentKind     string
	CreatedAt       time.Time
}

// Validate checks the fields every backend requires.
func (r Record) Validate() error {
	switch {
	case r.TrackingID == uuid.Nil:
		return errors.New("custody: tracking id required")
	case r.OwnerIdentity == "":
		return errors.New("custody: owner identity required")
	case r.WrappedKey == "":
		return errors.New("custody: wrapped key required")
	case r.PriceMinorUnits > math.MaxInt64:
		return fmt.Errorf("custody: price %d exceeds storable range", r.PriceMinorUnits)
	}
	return nil
}

// Store persists custody records.
type Store interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, trackingID uuid.UUID) (Record, error)
	ListByOwner(ctx context.Context, owner string) ([]Record, error)
}
