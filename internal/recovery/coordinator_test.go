package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/broker"
	"github.com/calebriley/optexec/internal/domain"
)

type memLedger struct {
	mu      sync.Mutex
	records map[string]domain.OrderRecord
}

func newMemLedger(recs ...domain.OrderRecord) *memLedger {
	l := &memLedger{records: make(map[string]domain.OrderRecord)}
	for _, r := range recs {
		l.records[r.OrderID] = r
	}
	return l
}

func (l *memLedger) Insert(_ context.Context, rec domain.OrderRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.OrderID] = rec
	return nil
}

func (l *memLedger) Update(_ context.Context, rec domain.OrderRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.OrderID]; !ok {
		return domain.ErrNotFound
	}
	l.records[rec.OrderID] = rec
	return nil
}

func (l *memLedger) Get(_ context.Context, id string) (domain.OrderRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return domain.OrderRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (l *memLedger) GetByTag(_ context.Context, tag string) (domain.OrderRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		if rec.IntentTag == tag && rec.State != domain.OrderStateRejected {
			return rec, nil
		}
	}
	return domain.OrderRecord{}, domain.ErrNotFound
}

func (l *memLedger) ListNonTerminal(_ context.Context) ([]domain.OrderRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.OrderRecord
	for _, rec := range l.records {
		if !rec.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *memLedger) ListUpdatedSince(_ context.Context, since time.Time) ([]domain.OrderRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.OrderRecord
	for _, rec := range l.records {
		if !rec.UpdatedAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// recGateway answers reconciliation queries from a canned status table.
type recGateway struct {
	mu        sync.Mutex
	byBroker  map[string]broker.OrderStatus
	byClient  map[string]broker.OrderStatus
	positions []domain.Position
	failures  int // transient failures before queries start succeeding
	queries   int
}

func (g *recGateway) Name() string { return "rec" }

func (g *recGateway) Submit(context.Context, domain.OrderRecord) (broker.Ack, error) {
	return broker.Ack{}, errors.New("not used")
}

func (g *recGateway) Cancel(context.Context, string) error { return nil }

func (g *recGateway) transient() error {
	g.queries++
	if g.failures > 0 {
		g.failures--
		return &broker.TransientError{Op: "query", Err: errors.New("connection refused")}
	}
	return nil
}

func (g *recGateway) QueryOrder(_ context.Context, id string) (broker.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.transient(); err != nil {
		return broker.OrderStatus{}, err
	}
	st, ok := g.byBroker[id]
	if !ok {
		return broker.OrderStatus{}, broker.ErrOrderNotFound
	}
	return st, nil
}

func (g *recGateway) QueryOrderByClientID(_ context.Context, id string) (broker.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.transient(); err != nil {
		return broker.OrderStatus{}, err
	}
	st, ok := g.byClient[id]
	if !ok {
		return broker.OrderStatus{}, broker.ErrOrderNotFound
	}
	return st, nil
}

func (g *recGateway) QueryPositions(context.Context) ([]domain.Position, error) {
	return g.positions, nil
}

func (g *recGateway) QueryLimits(context.Context) (domain.AccountLimits, error) {
	return domain.AccountLimits{}, nil
}

type fakeRebuilder struct {
	mu        sync.Mutex
	calls     int
	positions []domain.Position
	todays    []domain.OrderRecord
}

func (r *fakeRebuilder) Rebuild(positions []domain.Position, todays []domain.OrderRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.positions = positions
	r.todays = todays
}

type fakeResubmitter struct {
	mu    sync.Mutex
	calls []domain.OrderRecord
}

func (r *fakeResubmitter) Resubmit(_ context.Context, old domain.OrderRecord) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, old)
	return "new-" + old.OrderID, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openRecord(id, tag string) domain.OrderRecord {
	now := time.Now().UTC()
	return domain.OrderRecord{
		OrderID:       id,
		BrokerOrderID: "b-" + id,
		StrategyID:    "s1",
		IntentTag:     tag,
		Symbol:        "AAPL",
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeLimit,
		LimitPrice:    decimal.NewFromInt(100),
		State:         domain.OrderStateOpen,
		RequestedQty:  10,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestRunAdoptsBrokerState(t *testing.T) {
	rec := openRecord("o1", "t1")
	ledger := newMemLedger(rec)
	gw := &recGateway{
		byBroker: map[string]broker.OrderStatus{
			"b-o1": {
				BrokerOrderID: "b-o1",
				State:         domain.OrderStateFilled,
				FilledQty:     10,
				AvgFillPrice:  decimal.NewFromFloat(101.25),
			},
		},
	}
	rebuild := &fakeRebuilder{}

	c := New(ledger, gw, rebuild, nil, Config{}, testLogger())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := ledger.Get(context.Background(), "o1")
	if got.State != domain.OrderStateFilled {
		t.Errorf("state = %s, want filled", got.State)
	}
	if got.FilledQty != 10 {
		t.Errorf("filled qty = %d, want 10", got.FilledQty)
	}
	if !got.AvgFillPrice.Equal(decimal.NewFromFloat(101.25)) {
		t.Errorf("avg price = %s, want 101.25", got.AvgFillPrice)
	}
	if rebuild.calls != 1 {
		t.Errorf("rebuild calls = %d, want 1", rebuild.calls)
	}
}

func TestRunQueriesByClientIDWhenNoBrokerID(t *testing.T) {
	rec := openRecord("o2", "t2")
	rec.BrokerOrderID = ""
	rec.State = domain.OrderStateSubmitUnknown
	ledger := newMemLedger(rec)
	gw := &recGateway{
		byClient: map[string]broker.OrderStatus{
			"o2": {BrokerOrderID: "b-late", State: domain.OrderStateOpen},
		},
	}

	c := New(ledger, gw, &fakeRebuilder{}, nil, Config{}, testLogger())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := ledger.Get(context.Background(), "o2")
	if got.State != domain.OrderStateOpen {
		t.Errorf("state = %s, want open", got.State)
	}
	if got.BrokerOrderID != "b-late" {
		t.Errorf("broker id = %q, want b-late", got.BrokerOrderID)
	}
}

func TestRunUnknownOrderRejectPolicy(t *testing.T) {
	rec := openRecord("o3", "t3")
	ledger := newMemLedger(rec)
	gw := &recGateway{} // broker knows nothing

	c := New(ledger, gw, &fakeRebuilder{}, nil, Config{Policy: PolicyReject}, testLogger())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := ledger.Get(context.Background(), "o3")
	if got.State != domain.OrderStateRejected {
		t.Errorf("state = %s, want rejected", got.State)
	}
}

func TestRunUnknownOrderResubmitPolicy(t *testing.T) {
	rec := openRecord("o4", "t4")
	ledger := newMemLedger(rec)
	gw := &recGateway{}
	resub := &fakeResubmitter{}

	c := New(ledger, gw, &fakeRebuilder{}, resub, Config{
		Policy:       PolicyResubmit,
		MaxIntentAge: time.Hour,
	}, testLogger())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(resub.calls) != 1 {
		t.Fatalf("resubmit calls = %d, want 1", len(resub.calls))
	}
	if resub.calls[0].OrderID != "o4" {
		t.Errorf("resubmitted %s, want o4", resub.calls[0].OrderID)
	}
}

func TestRunStaleRecordRejectedDespiteResubmitPolicy(t *testing.T) {
	rec := openRecord("o5", "t5")
	rec.CreatedAt = time.Now().Add(-2 * time.Hour)
	ledger := newMemLedger(rec)
	gw := &recGateway{}
	resub := &fakeResubmitter{}

	c := New(ledger, gw, &fakeRebuilder{}, resub, Config{
		Policy:       PolicyResubmit,
		MaxIntentAge: time.Hour,
	}, testLogger())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(resub.calls) != 0 {
		t.Fatalf("resubmit calls = %d, want 0 for a stale record", len(resub.calls))
	}
	got, _ := ledger.Get(context.Background(), "o5")
	if got.State != domain.OrderStateRejected {
		t.Errorf("state = %s, want rejected", got.State)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	rec := openRecord("o6", "t6")
	ledger := newMemLedger(rec)
	gw := &recGateway{
		failures: 2,
		byBroker: map[string]broker.OrderStatus{
			"b-o6": {BrokerOrderID: "b-o6", State: domain.OrderStateOpen},
		},
	}

	c := New(ledger, gw, &fakeRebuilder{}, nil, Config{
		MaxAttempts: 5,
		Backoff:     time.Millisecond,
	}, testLogger())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run should succeed once the gateway recovers: %v", err)
	}
	if gw.queries != 3 {
		t.Errorf("queries = %d, want 3 (two failures then success)", gw.queries)
	}
}

func TestRunFailsClosedWhenGatewayUnreachable(t *testing.T) {
	rec := openRecord("o7", "t7")
	ledger := newMemLedger(rec)
	gw := &recGateway{failures: 100}

	c := New(ledger, gw, &fakeRebuilder{}, nil, Config{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}, testLogger())
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("Run must fail when the gateway never answers")
	}

	// The record was never resolved and must still block intake on the next
	// startup.
	got, _ := ledger.Get(context.Background(), "o7")
	if got.State != domain.OrderStateOpen {
		t.Errorf("state = %s, want open (unresolved)", got.State)
	}
}
