package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/calebriley/optexec/internal/domain"
)

type stubStrategy struct {
	name    string
	initErr error
	fills   int
	closed  bool
}

func (s *stubStrategy) Name() string                 { return s.name }
func (s *stubStrategy) Init(context.Context) error   { return s.initErr }
func (s *stubStrategy) Close() error                 { s.closed = true; return nil }
func (s *stubStrategy) OnFill(context.Context, domain.OrderRecord, domain.FillEvent) error {
	s.fills++
	return nil
}

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterAndList(t *testing.T) {
	r := testRegistry()
	r.Register(&stubStrategy{name: "momentum"})
	r.Register(&stubStrategy{name: "breakout"})

	if got, want := r.List(), []string{"breakout", "momentum"}; !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}

	if _, err := r.Get("momentum"); err != nil {
		t.Errorf("Get: %v", err)
	}
	if _, err := r.Get("nope"); err == nil {
		t.Error("Get unknown should fail")
	}
}

func TestInitAllStopsAtFirstFailure(t *testing.T) {
	r := testRegistry()
	r.Register(&stubStrategy{name: "ok"})
	r.Register(&stubStrategy{name: "bad", initErr: errors.New("no data feed")})

	if err := r.InitAll(context.Background()); err == nil {
		t.Error("InitAll should propagate the failure")
	}
}

func TestOnFillRoutesByStrategyID(t *testing.T) {
	r := testRegistry()
	target := &stubStrategy{name: "momentum"}
	other := &stubStrategy{name: "breakout"}
	r.Register(target)
	r.Register(other)

	rec := domain.OrderRecord{OrderID: "o1", StrategyID: "momentum"}
	r.OnFill(context.Background(), rec, domain.FillEvent{OrderID: "o1"})

	if target.fills != 1 {
		t.Errorf("target fills = %d, want 1", target.fills)
	}
	if other.fills != 0 {
		t.Errorf("other fills = %d, want 0", other.fills)
	}

	// Unregistered strategies are dropped without panicking.
	r.OnFill(context.Background(), domain.OrderRecord{StrategyID: "ghost"}, domain.FillEvent{})
}

func TestCloseAll(t *testing.T) {
	r := testRegistry()
	a := &stubStrategy{name: "a"}
	b := &stubStrategy{name: "b"}
	r.Register(a)
	r.Register(b)

	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("not every strategy was closed")
	}
}
