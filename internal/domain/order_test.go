package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderStateTerminal(t *testing.T) {
	terminal := []OrderState{OrderStateFilled, OrderStateCancelled, OrderStateRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []OrderState{
		OrderStatePending, OrderStateSubmitting, OrderStateOpen,
		OrderStatePartiallyFilled, OrderStateSubmitUnknown,
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrderStateCanTransition(t *testing.T) {
	allowed := []struct{ from, to OrderState }{
		{OrderStatePending, OrderStateSubmitting},
		{OrderStateSubmitting, OrderStateOpen},
		{OrderStateSubmitting, OrderStateRejected},
		{OrderStateSubmitting, OrderStateSubmitUnknown},
		{OrderStateOpen, OrderStatePartiallyFilled},
		{OrderStateOpen, OrderStateFilled},
		{OrderStateOpen, OrderStateCancelled},
		{OrderStateOpen, OrderStateSubmitUnknown},
		{OrderStatePartiallyFilled, OrderStatePartiallyFilled},
		{OrderStatePartiallyFilled, OrderStateFilled},
		{OrderStatePartiallyFilled, OrderStateCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to OrderState }{
		{OrderStatePending, OrderStateOpen},
		{OrderStatePending, OrderStateFilled},
		{OrderStateOpen, OrderStateRejected},
		{OrderStatePartiallyFilled, OrderStateSubmitUnknown},
		{OrderStateFilled, OrderStateOpen},
		{OrderStateCancelled, OrderStateOpen},
		{OrderStateRejected, OrderStateSubmitting},
		{OrderStateSubmitUnknown, OrderStateOpen},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be forbidden", tc.from, tc.to)
		}
	}
}

func TestApplyFillWeightedAverage(t *testing.T) {
	rec := OrderRecord{OrderID: "o1", RequestedQty: 10}

	if err := rec.ApplyFill(4, decimal.NewFromFloat(10.00)); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if err := rec.ApplyFill(6, decimal.NewFromFloat(10.50)); err != nil {
		t.Fatalf("second fill: %v", err)
	}

	if rec.FilledQty != 10 {
		t.Errorf("FilledQty = %d, want 10", rec.FilledQty)
	}
	if !rec.Filled() {
		t.Error("Filled() = false, want true")
	}
	// (4*10.00 + 6*10.50) / 10 = 10.30
	want := decimal.NewFromFloat(10.30)
	if !rec.AvgFillPrice.Equal(want) {
		t.Errorf("AvgFillPrice = %s, want %s", rec.AvgFillPrice, want)
	}
}

func TestApplyFillOverfill(t *testing.T) {
	rec := OrderRecord{OrderID: "o1", RequestedQty: 5}
	if err := rec.ApplyFill(3, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("fill: %v", err)
	}

	err := rec.ApplyFill(3, decimal.NewFromInt(100))
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("overfill error = %v, want *IntegrityError", err)
	}
	if rec.FilledQty != 3 {
		t.Errorf("record mutated by rejected fill: FilledQty = %d, want 3", rec.FilledQty)
	}
}

func TestApplyFillNonPositiveQty(t *testing.T) {
	rec := OrderRecord{OrderID: "o1", RequestedQty: 5}
	var ie *IntegrityError
	if err := rec.ApplyFill(0, decimal.NewFromInt(1)); !errors.As(err, &ie) {
		t.Errorf("zero qty error = %v, want *IntegrityError", err)
	}
	if err := rec.ApplyFill(-2, decimal.NewFromInt(1)); !errors.As(err, &ie) {
		t.Errorf("negative qty error = %v, want *IntegrityError", err)
	}
}

func TestIntentValidate(t *testing.T) {
	valid := Intent{
		StrategyID: "s1",
		Symbol:     "AAPL",
		Side:       SideBuy,
		Quantity:   10,
		Type:       OrderTypeLimit,
		LimitPrice: decimal.NewFromInt(100),
		Tag:        "s1-aapl-1",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid intent rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Intent)
		field  string
	}{
		{"missing strategy", func(i *Intent) { i.StrategyID = "" }, "strategy_id"},
		{"missing symbol", func(i *Intent) { i.Symbol = "" }, "symbol"},
		{"bad side", func(i *Intent) { i.Side = "hold" }, "side"},
		{"zero quantity", func(i *Intent) { i.Quantity = 0 }, "quantity"},
		{"bad type", func(i *Intent) { i.Type = "stop" }, "order_type"},
		{"limit without price", func(i *Intent) { i.LimitPrice = decimal.Zero }, "limit_price"},
		{"missing tag", func(i *Intent) { i.Tag = "" }, "tag"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := valid
			tc.mutate(&intent)
			err := intent.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if ve.Field != tc.field {
				t.Errorf("Field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}
