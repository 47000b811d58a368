// Package ledger holds the points provenance domain: immutable entries, the
// FIFO consumption allocator and the provenance tracer. It has no storage
// dependency; persistence lives in internal/repos/entries.
package ledger

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParentLink references a credit entry consumed (or carried) by another entry.
type ParentLink struct {
	ParentID    uuid.UUID `json:"parent_id"`
	PointsTaken int64     `json:"points_taken"`
}

// Entry is one immutable points movement. Positive points are credits,
// negative points are debits.
type Entry struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"user_id"`
	Points     int64      `json:"points"`
	OriginType OriginType `json:"origin_type"`
	OriginID   string     `json:"origin_id"`
	// CounterpartID is set on transfer_in entries and points at the
	// transfer_out entry whose parent links were copied.
	CounterpartID *uuid.UUID   `json:"counterpart_id,omitempty"`
	ParentLinks   []ParentLink `json:"parent_links,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// IsCredit reports whether the entry adds points.
func (e Entry) IsCredit() bool { return e.Points > 0 }

// IsDebit reports whether the entry removes points.
func (e Entry) IsDebit() bool { return e.Points < 0 }

// Magnitude returns abs(Points).
func (e Entry) Magnitude() int64 {
	if e.Points < 0 {
		return -e.Points
	}

	return e.Points
}

// LinkedPoints returns the sum of points_taken across the entry's links.
func (e Entry) LinkedPoints() int64 {
	var sum int64
	for _, l := range e.ParentLinks {
		sum += l.PointsTaken
	}

	return sum
}

// Validate checks the structural invariants of a single entry. Cross-entry
// invariants (ownership, remaining amounts, ordering) are enforced by the
// coordinator and the store.
func (e Entry) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: entry id is nil", ErrInvalidLinks)
	}
	if e.UserID == "" {
		return ErrUnknownUser
	}
	if e.Points == 0 {
		return fmt.Errorf("%w: zero points", ErrInvalidAmount)
	}
	if !e.OriginType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, e.OriginType)
	}
	if e.OriginType.IsCredit() != e.IsCredit() {
		return fmt.Errorf("%w: %s entry with %d points", ErrInvalidOrigin, e.OriginType, e.Points)
	}

	if e.OriginType.IsRoot() {
		if len(e.ParentLinks) != 0 {
			return fmt.Errorf("%w: root entry %s has parents", ErrInvalidLinks, e.ID)
		}

		return nil
	}

	if len(e.ParentLinks) == 0 {
		return fmt.Errorf("%w: %s entry %s has no parents", ErrInvalidLinks, e.OriginType, e.ID)
	}

	seen := make(map[uuid.UUID]struct{}, len(e.ParentLinks))
	for _, l := range e.ParentLinks {
		if l.PointsTaken <= 0 {
			return fmt.Errorf("%w: non-positive points_taken on %s", ErrInvalidLinks, e.ID)
		}
		if l.ParentID == e.ID {
			return fmt.Errorf("%w: entry %s links itself", ErrInvalidLinks, e.ID)
		}
		if _, dup := seen[l.ParentID]; dup {
			return fmt.Errorf("%w: duplicate parent %s on %s", ErrInvalidLinks, l.ParentID, e.ID)
		}
		seen[l.ParentID] = struct{}{}
	}

	if e.LinkedPoints() != e.Magnitude() {
		return fmt.Errorf("%w: links sum to %d, entry moves %d", ErrInvalidLinks, e.LinkedPoints(), e.Magnitude())
	}

	if e.OriginType == OriginTransferIn && e.CounterpartID == nil {
		return fmt.Errorf("%w: transfer_in %s without counterpart", ErrInvalidLinks, e.ID)
	}

	return nil
}

// CompareEntries orders entries by created_at, then by id. It is the
// consumption order used by the allocator.
func CompareEntries(a, b Entry) int {
	return compareAt(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
}

func compareAt(at time.Time, id uuid.UUID, bt time.Time, bid uuid.UUID) int {
	if c := at.Compare(bt); c != 0 {
		return c
	}

	return bytes.Compare(id[:], bid[:])
}

// Consumer is a debit entry that took points from a given parent.
type Consumer struct {
	EntryID     uuid.UUID
	CreatedAt   time.Time
	PointsTaken int64
}
