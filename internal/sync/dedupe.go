package sync

import (
	"context"

	"github.com/wesm/mailindex/internal/store"
)

// RecordLookup finds stored records by their deduplication key.
type RecordLookup interface {
	FindRecord(ctx context.Context, userID, messageID string) (*store.RecordRef, error)
}

// Verdict is the dedup decision for one remote message.
type Verdict int

const (
	// VerdictNew means the message was never stored.
	VerdictNew Verdict = iota
	// VerdictRepair means the record exists but has no vector yet.
	VerdictRepair
	// VerdictDuplicate means the record exists with a vector.
	VerdictDuplicate
)

func (v Verdict) String() string {
	switch v {
	case VerdictNew:
		return "new"
	case VerdictRepair:
		return "repair"
	case VerdictDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// DedupeIndex answers "have we already stored this remote message" for a
// user, backed by the record store's unique (user, message) key.
type DedupeIndex struct {
	lookup RecordLookup
}

// NewDedupeIndex creates a DedupeIndex over lookup.
func NewDedupeIndex(lookup RecordLookup) *DedupeIndex {
	return &DedupeIndex{lookup: lookup}
}

// Check classifies messageID for userID. The returned ref is nil for
// VerdictNew.
func (d *DedupeIndex) Check(ctx context.Context, userID, messageID string) (Verdict, *store.RecordRef, error) {
	ref, err := d.lookup.FindRecord(ctx, userID, messageID)
	if err != nil {
		return VerdictNew, nil, err
	}
	switch {
	case ref == nil:
		return VerdictNew, nil, nil
	case ref.HasVector():
		return VerdictDuplicate, ref, nil
	default:
		return VerdictRepair, ref, nil
	}
}
