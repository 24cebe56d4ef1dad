package broker

import (
	"errors"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

func TestClassifyRejection(t *testing.T) {
	err := classify("submit", &alpaca.APIError{StatusCode: 422, Message: "insufficient buying power"})

	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("classify returned %T, want *RejectionError", err)
	}
	if rej.Reason != "insufficient buying power" {
		t.Errorf("Reason = %q", rej.Reason)
	}
	if IsTransient(err) {
		t.Error("rejection classified as transient")
	}
}

func TestClassifyThrottleIsTransient(t *testing.T) {
	for _, status := range []int{408, 429} {
		err := classify("query_order", &alpaca.APIError{StatusCode: status, Message: "too many requests"})
		if !IsTransient(err) {
			t.Errorf("status %d: classified as %T, want transient", status, err)
		}
	}
}

func TestClassifyNotFound(t *testing.T) {
	err := classify("query_order", &alpaca.APIError{StatusCode: 404, Message: "order not found"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("classify returned %v, want ErrOrderNotFound", err)
	}
}

func TestClassifyServerAndTransportErrors(t *testing.T) {
	if err := classify("submit", &alpaca.APIError{StatusCode: 503, Message: "unavailable"}); !IsTransient(err) {
		t.Errorf("503 classified as %T, want transient", err)
	}
	if err := classify("submit", errors.New("connection refused")); !IsTransient(err) {
		t.Errorf("transport error classified as %T, want transient", err)
	}
}
