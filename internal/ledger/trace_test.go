package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

// graph is a map-backed Graph for tracer tests.
type graph struct {
	entries map[uuid.UUID]Entry
	order   []uuid.UUID
}

func newGraph() *graph {
	return &graph{entries: make(map[uuid.UUID]Entry)}
}

func (g *graph) add(e Entry) Entry {
	g.entries[e.ID] = e
	g.order = append(g.order, e.ID)

	return e
}

func (g *graph) Entry(_ context.Context, id uuid.UUID) (Entry, error) {
	e, ok := g.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("entry %s: %w", id, ErrEntryNotFound)
	}

	return e, nil
}

func (g *graph) Consumers(_ context.Context, parentID uuid.UUID) ([]Consumer, error) {
	var out []Consumer
	for _, id := range g.order {
		e := g.entries[id]
		if !e.IsDebit() {
			continue
		}
		for _, l := range e.ParentLinks {
			if l.ParentID == parentID {
				out = append(out, Consumer{EntryID: e.ID, CreatedAt: e.CreatedAt, PointsTaken: l.PointsTaken})
			}
		}
	}

	return out, nil
}

func (g *graph) remaining(id uuid.UUID) int64 {
	e := g.entries[id]
	left := e.Magnitude()
	cons, _ := g.Consumers(context.Background(), id)
	for _, c := range cons {
		left -= c.PointsTaken
	}

	return left
}

func (g *graph) candidates(user string) []Candidate {
	var out []Candidate
	for _, id := range g.order {
		e := g.entries[id]
		if e.UserID == user && e.IsCredit() {
			out = append(out, Candidate{Entry: e, Remaining: g.remaining(id)})
		}
	}

	return out
}

// debit allocates and records a debit the way the coordinator does.
func (g *graph) debit(t *testing.T, user string, amount int64, origin OriginType, at time.Time) Entry {
	t.Helper()

	allocs, err := Allocate(g.candidates(user), amount)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	e := credit(t, user, -amount, origin, at)
	e.ParentLinks = Links(allocs)

	return g.add(e)
}

func (g *graph) transfer(t *testing.T, from, to string, amount int64, at time.Time) (Entry, Entry) {
	t.Helper()

	out := g.debit(t, from, amount, OriginTransferOut, at)

	in := credit(t, to, amount, OriginTransferIn, at)
	in.OriginID = out.OriginID
	in.ParentLinks = append([]ParentLink(nil), out.ParentLinks...)
	cp := out.ID
	in.CounterpartID = &cp

	return out, g.add(in)
}

func summaryOf(res TraceResult) map[OriginType]int64 {
	m := make(map[OriginType]int64)
	for _, s := range res.Summary {
		m[s.OriginType] = s.TotalPoints
	}

	return m
}

func TestTracer_RedemptionSplitsAcrossCredits(t *testing.T) {
	t.Parallel()

	g := newGraph()
	g.add(credit(t, "u", 100, OriginPurchaseEarned, t0))
	bonus := g.add(credit(t, "u", 50, OriginCampaignBonus, t0.Add(time.Minute)))
	red := g.debit(t, "u", 120, OriginRedemption, t0.Add(2*time.Minute))

	if got := g.remaining(bonus.ID); got != 30 {
		t.Fatalf("bonus remaining: want 30, got %d", got)
	}

	res, err := NewTracer(g).TraceEntry(context.Background(), red)
	if err != nil {
		t.Fatalf("trace entry: %v", err)
	}

	sum := summaryOf(res)
	if sum[OriginPurchaseEarned] != 100 || sum[OriginCampaignBonus] != 20 {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}
	if res.Amount != 120 || len(res.Sources) != 2 {
		t.Fatalf("unexpected trace: %+v", res)
	}
}

func TestTracer_TransferResolvesToRoot(t *testing.T) {
	t.Parallel()

	g := newGraph()
	g.add(credit(t, "u", 100, OriginPurchaseEarned, t0))
	g.add(credit(t, "u", 50, OriginCampaignBonus, t0.Add(time.Minute)))
	g.debit(t, "u", 120, OriginRedemption, t0.Add(2*time.Minute))
	_, in := g.transfer(t, "u", "v", 20, t0.Add(3*time.Minute))

	tr := NewTracer(g)

	res, err := tr.TraceAmount(context.Background(), "v", g.candidates("v"), 20)
	if err != nil {
		t.Fatalf("trace amount: %v", err)
	}

	sum := summaryOf(res)
	if len(sum) != 1 || sum[OriginCampaignBonus] != 20 {
		t.Fatalf("want 20 campaign_bonus, got %+v", res.Summary)
	}
	if res.Sources[0].EntryID != in.ID || res.Sources[0].OriginType != OriginTransferIn {
		t.Fatalf("immediate source should be the transfer_in, got %+v", res.Sources[0])
	}
}

func TestTracer_MultiHopPartialConsumption(t *testing.T) {
	t.Parallel()

	g := newGraph()
	// u: 30 purchase then 30 assignment
	g.add(credit(t, "u", 30, OriginPurchaseEarned, t0))
	g.add(credit(t, "u", 30, OriginAssignment, t0.Add(time.Second)))

	// u -> v 40: 30 purchase + 10 assignment
	g.transfer(t, "u", "v", 40, t0.Add(2*time.Second))

	// v spends 25: first 25 of the transfer_in, all purchase
	red := g.debit(t, "v", 25, OriginRedemption, t0.Add(3*time.Second))

	// v -> w 15: the tail of the transfer_in = 5 purchase + 10 assignment
	_, in2 := g.transfer(t, "v", "w", 15, t0.Add(4*time.Second))

	res, err := NewTracer(g).TraceEntry(context.Background(), red)
	if err != nil {
		t.Fatalf("trace redemption: %v", err)
	}
	if sum := summaryOf(res); sum[OriginPurchaseEarned] != 25 || len(sum) != 1 {
		t.Fatalf("redemption should be all purchase, got %+v", res.Summary)
	}

	res, err = NewTracer(g).TraceEntry(context.Background(), in2)
	if err != nil {
		t.Fatalf("trace second hop: %v", err)
	}
	sum := summaryOf(res)
	if sum[OriginPurchaseEarned] != 5 || sum[OriginAssignment] != 10 {
		t.Fatalf("second hop should be 5 purchase + 10 assignment, got %+v", res.Summary)
	}

	// w holds exactly the 15 carried by the second transfer
	res, err = NewTracer(g).TraceAmount(context.Background(), "w", g.candidates("w"), 15)
	if err != nil {
		t.Fatalf("trace w: %v", err)
	}
	var total int64
	for _, s := range res.Summary {
		total += s.TotalPoints
	}
	if total != 15 {
		t.Fatalf("w attribution: want 15, got %d", total)
	}
}

func TestTracer_TraceAmountInsufficient(t *testing.T) {
	t.Parallel()

	g := newGraph()
	g.add(credit(t, "u", 30, OriginPurchaseEarned, t0))

	_, err := NewTracer(g).TraceAmount(context.Background(), "u", g.candidates("u"), 31)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}
}

func TestTracer_RootEntry(t *testing.T) {
	t.Parallel()

	g := newGraph()
	root := g.add(credit(t, "u", 70, OriginAssignment, t0))

	res, err := NewTracer(g).TraceEntry(context.Background(), root)
	if err != nil {
		t.Fatalf("trace root: %v", err)
	}
	if len(res.Sources) != 0 {
		t.Fatalf("root has no sources, got %d", len(res.Sources))
	}
	if len(res.Summary) != 1 || res.Summary[0].TotalPoints != 70 || res.Summary[0].Count != 1 {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}
}

func TestTracer_MissingParent(t *testing.T) {
	t.Parallel()

	g := newGraph()
	orphan := credit(t, "u", -10, OriginRedemption, t0)
	orphan.ParentLinks = []ParentLink{{ParentID: uuid.New(), PointsTaken: 10}}
	g.add(orphan)

	_, err := NewTracer(g).TraceEntry(context.Background(), orphan)
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("want ErrEntryNotFound, got %v", err)
	}
}

func TestTracer_DepthLimit(t *testing.T) {
	t.Parallel()

	g := newGraph()
	g.add(credit(t, "u", 10, OriginPurchaseEarned, t0))
	g.transfer(t, "u", "v", 10, t0.Add(time.Second))
	_, in := g.transfer(t, "v", "w", 10, t0.Add(2*time.Second))

	// two hops: w's transfer_in -> v's transfer_in -> u's purchase
	tests := []struct {
		name     string
		maxDepth int
		wantErr  error
	}{
		{name: "within_limit", maxDepth: 2},
		{name: "over_limit", maxDepth: 1, wantErr: ErrInvalidLinks},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := NewTracer(g)
			tr.maxDepth = tt.maxDepth

			res, err := tr.TraceEntry(context.Background(), in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("want %v, got %v", tt.wantErr, err)
				}

				return
			}

			if err != nil {
				t.Fatalf("trace: %v", err)
			}
			if sum := summaryOf(res); sum[OriginPurchaseEarned] != 10 {
				t.Fatalf("want 10 purchase_earned, got %+v", res.Summary)
			}
		})
	}

	if NewTracer(g).maxDepth != MaxTraceDepth {
		t.Fatalf("default limit should be MaxTraceDepth")
	}
}
