package xa

import (
	"github.com/google/uuid"
)

// Generator creates XIDs for begin requests that arrive with a null XID.
// Implemented by UUIDGenerator (production) and testutil.SequenceGenerator
// (tests).
type Generator interface {
	Generate() XID
}

// UUIDGenerator builds XIDs from UUIDs: a time-ordered UUIDv7 for the
// global part, so log rows sort by creation, and a random UUID for the
// branch part.
//
// Stateless and safe for concurrent use.
type UUIDGenerator struct{}

// Generate returns a new XID with FormatID.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDGenerator) Generate() XID {
	gtrid := uuid.Must(uuid.NewV7())
	bqual := uuid.New()
	return XID{
		FormatID: FormatID,
		GTRID:    gtrid[:],
		BQUAL:    bqual[:],
	}
}
