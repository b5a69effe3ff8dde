package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestTranslateTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"caller cancel", context.Canceled, domain.KindCanceled},
		{"wrapped caller cancel", fmt.Errorf("Post \"https://api\": %w", context.Canceled), domain.KindCanceled},
		{"context deadline", context.DeadlineExceeded, domain.KindTimeout},
		{"net timeout", timeoutNetError{}, domain.KindTimeout},
		{"other transport failure", errors.New("connection refused"), domain.KindProviderInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TranslateTransportError(tt.err); got.Kind != tt.want {
				t.Errorf("kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}
}

func TestTranslateTransportError_CancelSkipsBreakerAccounting(t *testing.T) {
	// Caller cancellation is provider-local (it triggers no surfacing) but
	// says nothing about provider health.
	ge := TranslateTransportError(context.Canceled)
	if !domain.ProviderLocal(ge.Kind) {
		t.Errorf("ProviderLocal(%s) = false, want true", ge.Kind)
	}
}

func TestTranslateStatus(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{401, domain.KindInvalidCredentials},
		{403, domain.KindInvalidCredentials},
		{429, domain.KindRateLimited},
		{408, domain.KindTimeout},
		{504, domain.KindTimeout},
		{500, domain.KindProviderInternal},
		{503, domain.KindProviderInternal},
	}

	for _, tt := range tests {
		if got := TranslateStatus(tt.status, "upstream error"); got.Kind != tt.want {
			t.Errorf("TranslateStatus(%d) kind = %s, want %s", tt.status, got.Kind, tt.want)
		}
	}

	// Unexpected 4xx statuses surface as a bad gateway.
	if got := TranslateStatus(418, "teapot"); got.HTTPStatusCode() != 502 {
		t.Errorf("TranslateStatus(418) status = %d, want 502", got.HTTPStatusCode())
	}
}

func TestCallTimeout(t *testing.T) {
	p := &domain.ProviderProfile{}
	if got := CallTimeout(p); got != defaultConnectTimeout+defaultReadTimeout {
		t.Errorf("CallTimeout(defaults) = %v, want %v", got, defaultConnectTimeout+defaultReadTimeout)
	}

	p = &domain.ProviderProfile{ConnectTimeout: 2 * time.Second, ReadTimeout: 8 * time.Second}
	if got := CallTimeout(p); got != 10*time.Second {
		t.Errorf("CallTimeout = %v, want 10s", got)
	}
}
