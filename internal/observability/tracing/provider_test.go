package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCustomerData(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/payments/callback"),
		attribute.String("customer_email", "buyer@example.com"),
		attribute.String("api_key", "secret"),
	)
	if len(attrs) != 1 {
		t.Fatalf("expected 1 attribute, got %d", len(attrs))
	}
	if attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attribute retained: %s", attrs[0].Key)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	long := errors.New(strings.Repeat("x", 400))
	if got := SafeError(long); len(got.Error()) != 256 {
		t.Fatalf("expected truncated message, got %d chars", len(got.Error()))
	}
}
