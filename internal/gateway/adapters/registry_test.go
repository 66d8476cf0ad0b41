package adapters_test

import (
	"errors"
	"testing"

	"github.com/smallbiznis/payflow/internal/gateway/adapters"
	"github.com/smallbiznis/payflow/internal/gateway/adapters/mock"
	"github.com/smallbiznis/payflow/internal/gateway/adapters/myfatoorah"
	"github.com/smallbiznis/payflow/internal/gateway/domain"
)

func TestRegistryResolvesProviders(t *testing.T) {
	registry := adapters.NewRegistry(myfatoorah.NewFactory(), mock.NewFactory(), nil)

	if !registry.ProviderExists(" MyFatoorah ") {
		t.Fatalf("expected myfatoorah to be registered")
	}
	if !registry.ProviderExists("mock") {
		t.Fatalf("expected mock to be registered")
	}

	adapter, err := registry.NewAdapter("mock", domain.AdapterConfig{MockOutcome: mock.OutcomePaid})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if adapter == nil {
		t.Fatalf("expected adapter")
	}

	if _, err := registry.NewAdapter("stripe", domain.AdapterConfig{}); !errors.Is(err, domain.ErrProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}

	var nilRegistry *adapters.Registry
	if nilRegistry.ProviderExists("mock") {
		t.Fatalf("nil registry should not report providers")
	}
}
