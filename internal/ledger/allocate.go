package ledger

import (
	"fmt"
	"slices"
)

// Candidate is a credit entry and the part of it not yet consumed.
type Candidate struct {
	Entry     Entry
	Remaining int64
}

// Allocation is one (source, amount) pair chosen to cover a debit.
type Allocation struct {
	Source Entry
	Amount int64
}

// Allocate selects which credits cover amount, oldest first. Ties on
// created_at fall back to entry id order. Nothing is returned unless the full
// amount can be covered.
func Allocate(candidates []Candidate, amount int64) ([]Allocation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	ordered := slices.Clone(candidates)
	slices.SortStableFunc(ordered, func(a, b Candidate) int {
		return CompareEntries(a.Entry, b.Entry)
	})

	var available int64
	for _, c := range ordered {
		if c.Remaining > 0 && c.Entry.IsCredit() {
			available += c.Remaining
		}
	}

	if available < amount {
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientBalance, amount, available)
	}

	out := make([]Allocation, 0, len(ordered))
	left := amount

	for _, c := range ordered {
		if left == 0 {
			break
		}
		if c.Remaining <= 0 || !c.Entry.IsCredit() {
			continue
		}

		take := min(c.Remaining, left)
		out = append(out, Allocation{Source: c.Entry, Amount: take})
		left -= take
	}

	return out, nil
}

// Links converts allocations into the parent links of the debit they cover.
func Links(allocs []Allocation) []ParentLink {
	links := make([]ParentLink, 0, len(allocs))
	for _, a := range allocs {
		links = append(links, ParentLink{ParentID: a.Source.ID, PointsTaken: a.Amount})
	}

	return links
}
