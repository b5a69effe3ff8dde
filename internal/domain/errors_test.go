package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestGatewayError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindBudgetExceeded, http.StatusPaymentRequired},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindDeadlineExceeded, http.StatusGatewayTimeout},
		{KindCircuitOpen, http.StatusServiceUnavailable},
		{KindNoEligibleProvider, http.StatusServiceUnavailable},
		{KindAllProvidersUnavailable, http.StatusServiceUnavailable},
		{KindInvalidCredentials, http.StatusBadGateway},
		{KindProviderInternal, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := NewError(tt.kind, "test")
			if got := err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGatewayError_StatusCodeOverride(t *testing.T) {
	err := NewError(KindProviderInternal, "upstream said 503")
	err.StatusCode = http.StatusServiceUnavailable
	if got := err.HTTPStatusCode(); got != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatusCode() = %d, want %d", got, http.StatusServiceUnavailable)
	}
}

func TestGatewayError_ErrorIncludesScope(t *testing.T) {
	err := ErrBudgetExceeded("tenant:t1", "daily limit reached")
	want := "budget_exceeded (tenant:t1): daily limit reached"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestProviderLocal(t *testing.T) {
	local := []ErrorKind{KindCircuitOpen, KindRateLimited, KindTimeout, KindInvalidCredentials, KindProviderInternal}
	for _, k := range local {
		if !ProviderLocal(k) {
			t.Errorf("ProviderLocal(%s) = false, want true", k)
		}
	}

	terminal := []ErrorKind{KindInvalidRequest, KindBudgetExceeded, KindNoEligibleProvider, KindAllProvidersUnavailable, KindDeadlineExceeded}
	for _, k := range terminal {
		if ProviderLocal(k) {
			t.Errorf("ProviderLocal(%s) = true, want false", k)
		}
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("calling provider: %w", ErrTimeout("read deadline"))
	if got := KindOf(wrapped); got != KindTimeout {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindTimeout)
	}

	if got := KindOf(errors.New("plain")); got != KindProviderInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindProviderInternal)
	}
}

func TestScopeChain(t *testing.T) {
	chain := ScopeChain("t1", "u1")
	if len(chain) != 3 {
		t.Fatalf("len(chain) = %d, want 3", len(chain))
	}
	if chain[0].Kind != ScopeUser || chain[1].Kind != ScopeTenant || chain[2].Kind != ScopeGlobal {
		t.Errorf("chain order = %v, want user, tenant, global", chain)
	}
	if chain[0].Key() != "user:t1/u1" {
		t.Errorf("user key = %q, want user:t1/u1", chain[0].Key())
	}
	if chain[2].Key() != "global" {
		t.Errorf("global key = %q, want global", chain[2].Key())
	}
}
