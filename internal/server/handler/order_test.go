package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebriley/optexec/internal/domain"
)

type fakeExecutor struct {
	executeID  string
	executeErr error
	cancelErr  error
	lastIntent domain.Intent
}

func (f *fakeExecutor) Execute(_ context.Context, intent domain.Intent) (string, error) {
	f.lastIntent = intent
	return f.executeID, f.executeErr
}

func (f *fakeExecutor) Cancel(context.Context, string) error {
	return f.cancelErr
}

type stubLedger struct {
	records map[string]domain.OrderRecord
}

func (l *stubLedger) Insert(context.Context, domain.OrderRecord) error { return nil }
func (l *stubLedger) Update(context.Context, domain.OrderRecord) error { return nil }

func (l *stubLedger) Get(_ context.Context, id string) (domain.OrderRecord, error) {
	rec, ok := l.records[id]
	if !ok {
		return domain.OrderRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (l *stubLedger) GetByTag(context.Context, string) (domain.OrderRecord, error) {
	return domain.OrderRecord{}, domain.ErrNotFound
}

func (l *stubLedger) ListNonTerminal(context.Context) ([]domain.OrderRecord, error) {
	var out []domain.OrderRecord
	for _, rec := range l.records {
		if !rec.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *stubLedger) ListUpdatedSince(context.Context, time.Time) ([]domain.OrderRecord, error) {
	return nil, nil
}

func testHandler(exec *fakeExecutor, ledger *stubLedger) *OrderHandler {
	if ledger == nil {
		ledger = &stubLedger{records: map[string]domain.OrderRecord{}}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrderHandler(exec, ledger, logger)
}

func submitBody() string {
	return `{"strategy_id":"s1","symbol":"AAPL","side":"buy","quantity":10,"type":"limit","limit_price":"100.50","tag":"t1"}`
}

func TestSubmitOrderCreated(t *testing.T) {
	exec := &fakeExecutor{executeID: "o-1"}
	h := testHandler(exec, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(submitBody()))
	rr := httptest.NewRecorder()
	h.SubmitOrder(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rr.Code, rr.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["order_id"] != "o-1" {
		t.Errorf("order_id = %q, want o-1", resp["order_id"])
	}
	if !exec.lastIntent.LimitPrice.Equal(decimal.NewFromFloat(100.50)) {
		t.Errorf("limit price = %s, want 100.5", exec.lastIntent.LimitPrice)
	}
}

func TestSubmitOrderDuplicateReturnsExisting(t *testing.T) {
	exec := &fakeExecutor{executeID: "o-1", executeErr: domain.ErrDuplicateIntent}
	h := testHandler(exec, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(submitBody()))
	rr := httptest.NewRecorder()
	h.SubmitOrder(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["duplicate"] != true {
		t.Error("duplicate flag not set")
	}
	if resp["order_id"] != "o-1" {
		t.Errorf("order_id = %v, want o-1", resp["order_id"])
	}
}

func TestSubmitOrderErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not accepting", domain.ErrNotAccepting, http.StatusServiceUnavailable},
		{"session dead", domain.ErrSessionDead, http.StatusServiceUnavailable},
		{"validation", &domain.ValidationError{Field: "quantity", Reason: "must be positive"}, http.StatusBadRequest},
		{"risk denial", &domain.DenialError{Reason: "daily loss limit hit"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := testHandler(&fakeExecutor{executeErr: tc.err}, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(submitBody()))
			rr := httptest.NewRecorder()
			h.SubmitOrder(rr, req)
			if rr.Code != tc.code {
				t.Errorf("status = %d, want %d", rr.Code, tc.code)
			}
		})
	}
}

func TestSubmitOrderBadBody(t *testing.T) {
	h := testHandler(&fakeExecutor{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.SubmitOrder(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestGetOrder(t *testing.T) {
	ledger := &stubLedger{records: map[string]domain.OrderRecord{
		"o-1": {
			OrderID: "o-1", Symbol: "AAPL", Side: domain.SideBuy,
			State: domain.OrderStateOpen, RequestedQty: 10,
		},
	}}
	h := testHandler(&fakeExecutor{}, ledger)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/o-1", nil)
	req.SetPathValue("id", "o-1")
	rr := httptest.NewRecorder()
	h.GetOrder(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var view orderView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.OrderID != "o-1" || view.State != "open" {
		t.Errorf("view = %+v", view)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	h := testHandler(&fakeExecutor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil)
	req.SetPathValue("id", "missing")
	rr := httptest.NewRecorder()
	h.GetOrder(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	h := testHandler(&fakeExecutor{}, nil)
	req := httptest.NewRequest(http.MethodDelete, "/api/orders/o-1", nil)
	req.SetPathValue("id", "o-1")
	rr := httptest.NewRecorder()
	h.CancelOrder(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	h := testHandler(&fakeExecutor{cancelErr: domain.ErrNotFound}, nil)
	req := httptest.NewRequest(http.MethodDelete, "/api/orders/x", nil)
	req.SetPathValue("id", "x")
	rr := httptest.NewRecorder()
	h.CancelOrder(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
