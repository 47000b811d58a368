package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxTraceDepth is the longest chain of derived entries a trace follows.
// It is a hard limit, not only a guard against corrupted data: points that
// travelled through more hops than this (each transfer or debit is one hop)
// are reported as ErrInvalidLinks instead of being traced.
const MaxTraceDepth = 4096

// Graph resolves entries and the debits that consumed them.
type Graph interface {
	Entry(ctx context.Context, id uuid.UUID) (Entry, error)
	// Consumers lists debit entries linking parentID, with the amount each took.
	Consumers(ctx context.Context, parentID uuid.UUID) ([]Consumer, error)
}

// TraceNode is one entry's contribution to a trace, weighted by the points
// actually attributed to it.
type TraceNode struct {
	EntryID    uuid.UUID   `json:"entry_id"`
	UserID     string      `json:"user_id"`
	OriginType OriginType  `json:"origin_type"`
	OriginID   string      `json:"origin_id"`
	Points     int64       `json:"points"`
	CreatedAt  time.Time   `json:"created_at"`
	Sources    []TraceNode `json:"sources,omitempty"`
}

// OriginSummary aggregates traced points by root origin type.
type OriginSummary struct {
	OriginType  OriginType `json:"origin_type"`
	TotalPoints int64      `json:"total_points"`
	Count       int        `json:"count"`
	FirstAt     time.Time  `json:"first_at"`
	LastAt      time.Time  `json:"last_at"`
}

// TraceResult is the provenance of an amount or of a single entry.
type TraceResult struct {
	UserID  string          `json:"user_id"`
	EntryID *uuid.UUID      `json:"entry_id,omitempty"`
	Amount  int64           `json:"amount"`
	Sources []TraceNode     `json:"sources"`
	Summary []OriginSummary `json:"summary"`
}

// segment is a contiguous run of a parent credit's points.
type segment struct {
	parent Entry
	offset int64
	n      int64
}

// Tracer walks parent links back to root entries. Within a credit, debits
// consume consecutive slices from the front in (created_at, id) order, which
// gives every traced point exactly one root. A Tracer caches lookups and is
// meant to live for a single read snapshot.
type Tracer struct {
	g         Graph
	maxDepth  int
	entries   map[uuid.UUID]Entry
	consumers map[uuid.UUID][]Consumer
}

// NewTracer returns a Tracer reading from g.
func NewTracer(g Graph) *Tracer {
	return &Tracer{
		g:         g,
		maxDepth:  MaxTraceDepth,
		entries:   make(map[uuid.UUID]Entry),
		consumers: make(map[uuid.UUID][]Consumer),
	}
}

// TraceEntry expands a single entry down to its roots.
func (t *Tracer) TraceEntry(ctx context.Context, e Entry) (TraceResult, error) {
	id := e.ID
	t.entries[e.ID] = e

	node, err := t.expand(ctx, e, 0, e.Magnitude(), 0)
	if err != nil {
		return TraceResult{}, err
	}

	sources := node.Sources
	if sources == nil {
		sources = []TraceNode{}
	}

	return TraceResult{
		UserID:  e.UserID,
		EntryID: &id,
		Amount:  e.Magnitude(),
		Sources: sources,
		Summary: Summarize(node),
	}, nil
}

// TraceAmount answers where amount points of the user's current holdings came
// from, using the allocator's order without writing anything.
func (t *Tracer) TraceAmount(ctx context.Context, userID string, candidates []Candidate, amount int64) (TraceResult, error) {
	allocs, err := Allocate(candidates, amount)
	if err != nil {
		return TraceResult{}, err
	}

	remaining := make(map[uuid.UUID]int64, len(candidates))
	for _, c := range candidates {
		remaining[c.Entry.ID] = c.Remaining
	}

	res := TraceResult{
		UserID:  userID,
		Amount:  amount,
		Sources: make([]TraceNode, 0, len(allocs)),
	}

	for _, a := range allocs {
		consumed := a.Source.Magnitude() - remaining[a.Source.ID]

		node, err := t.expand(ctx, a.Source, consumed, a.Amount, 0)
		if err != nil {
			return TraceResult{}, err
		}

		res.Sources = append(res.Sources, node)
	}

	res.Summary = Summarize(res.Sources...)

	return res, nil
}

// expand attributes points [off, off+n) of e to its sources.
func (t *Tracer) expand(ctx context.Context, e Entry, off, n int64, depth int) (TraceNode, error) {
	if depth > t.maxDepth {
		return TraceNode{}, fmt.Errorf("%w: trace deeper than %d hops at %s", ErrInvalidLinks, t.maxDepth, e.ID)
	}
	if off < 0 || n <= 0 || off+n > e.Magnitude() {
		return TraceNode{}, fmt.Errorf("%w: slice [%d,%d) outside entry %s of %d", ErrInvalidLinks, off, off+n, e.ID, e.Magnitude())
	}

	node := TraceNode{
		EntryID:    e.ID,
		UserID:     e.UserID,
		OriginType: e.OriginType,
		OriginID:   e.OriginID,
		Points:     n,
		CreatedAt:  e.CreatedAt,
	}

	if e.OriginType.IsRoot() {
		return node, nil
	}

	segs, err := t.segments(ctx, e)
	if err != nil {
		return TraceNode{}, err
	}

	var pos int64
	end := off + n

	for _, s := range segs {
		start := pos
		pos += s.n

		lo, hi := max(off, start), min(end, pos)
		if lo >= hi {
			continue
		}

		child, err := t.expand(ctx, s.parent, s.offset+lo-start, hi-lo, depth+1)
		if err != nil {
			return TraceNode{}, err
		}

		node.Sources = append(node.Sources, child)
	}

	if pos < end {
		return TraceNode{}, fmt.Errorf("%w: entry %s links cover %d of %d", ErrInvalidLinks, e.ID, pos, end)
	}

	return node, nil
}

// segments returns the parent slices an entry's points map onto, in order.
func (t *Tracer) segments(ctx context.Context, e Entry) ([]segment, error) {
	switch {
	case e.OriginType == OriginTransferIn:
		if e.CounterpartID == nil {
			return nil, fmt.Errorf("%w: transfer_in %s without counterpart", ErrInvalidLinks, e.ID)
		}

		out, err := t.entry(ctx, *e.CounterpartID)
		if err != nil {
			return nil, err
		}
		if out.OriginType != OriginTransferOut {
			return nil, fmt.Errorf("%w: counterpart %s is %s", ErrInvalidLinks, out.ID, out.OriginType)
		}

		return t.segments(ctx, out)

	case e.IsDebit():
		segs := make([]segment, 0, len(e.ParentLinks))

		for _, l := range e.ParentLinks {
			parent, err := t.entry(ctx, l.ParentID)
			if err != nil {
				return nil, err
			}

			off, err := t.offsetOf(ctx, e, l.ParentID)
			if err != nil {
				return nil, err
			}

			segs = append(segs, segment{parent: parent, offset: off, n: l.PointsTaken})
		}

		return segs, nil

	default:
		return nil, fmt.Errorf("%w: %s entry %s cannot be expanded", ErrInvalidLinks, e.OriginType, e.ID)
	}
}

// offsetOf returns how many points of parentID were consumed before debit.
func (t *Tracer) offsetOf(ctx context.Context, debit Entry, parentID uuid.UUID) (int64, error) {
	cons, ok := t.consumers[parentID]
	if !ok {
		var err error

		cons, err = t.g.Consumers(ctx, parentID)
		if err != nil {
			return 0, fmt.Errorf("consumers of %s: %w", parentID, err)
		}

		t.consumers[parentID] = cons
	}

	var (
		off   int64
		found bool
	)

	for _, c := range cons {
		if c.EntryID == debit.ID {
			found = true
			continue
		}
		if compareAt(c.CreatedAt, c.EntryID, debit.CreatedAt, debit.ID) < 0 {
			off += c.PointsTaken
		}
	}

	if !found {
		return 0, fmt.Errorf("%w: %s not among consumers of %s", ErrInvalidLinks, debit.ID, parentID)
	}

	return off, nil
}

func (t *Tracer) entry(ctx context.Context, id uuid.UUID) (Entry, error) {
	if e, ok := t.entries[id]; ok {
		return e, nil
	}

	e, err := t.g.Entry(ctx, id)
	if err != nil {
		return Entry{}, fmt.Errorf("load entry %s: %w", id, err)
	}

	t.entries[id] = e

	return e, nil
}

// Summarize aggregates the root leaves under nodes by origin type. Transfer
// hops are collapsed; only root origins appear.
func Summarize(nodes ...TraceNode) []OriginSummary {
	type agg struct {
		OriginSummary
		seen map[uuid.UUID]struct{}
	}

	byOrigin := make(map[OriginType]*agg)

	var walk func(n TraceNode)
	walk = func(n TraceNode) {
		if !n.OriginType.IsRoot() {
			for _, s := range n.Sources {
				walk(s)
			}

			return
		}

		a, ok := byOrigin[n.OriginType]
		if !ok {
			a = &agg{
				OriginSummary: OriginSummary{OriginType: n.OriginType, FirstAt: n.CreatedAt, LastAt: n.CreatedAt},
				seen:          make(map[uuid.UUID]struct{}),
			}
			byOrigin[n.OriginType] = a
		}

		a.TotalPoints += n.Points
		if _, dup := a.seen[n.EntryID]; !dup {
			a.seen[n.EntryID] = struct{}{}
			a.Count++
		}
		if n.CreatedAt.Before(a.FirstAt) {
			a.FirstAt = n.CreatedAt
		}
		if n.CreatedAt.After(a.LastAt) {
			a.LastAt = n.CreatedAt
		}
	}

	for _, n := range nodes {
		walk(n)
	}

	out := make([]OriginSummary, 0, len(byOrigin))
	for _, o := range allOrigins {
		if a, ok := byOrigin[o]; ok {
			out = append(out, a.OriginSummary)
		}
	}

	return out
}
