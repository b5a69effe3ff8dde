package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/wayfarerhq/llm-gateway/internal/domain"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 30 * time.Second
)

// NewHTTPClient builds a client enforcing a connect timeout and a read
// (response-header) timeout. No overall client timeout is set so streaming
// bodies can outlive the header deadline; the per-call context bounds the
// total duration.
func NewHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: readTimeout,
			MaxIdleConnsPerHost:   8,
		},
	}
}

// CallTimeout bounds one unary call end to end: connect plus read, with the
// same defaults NewHTTPClient applies.
func CallTimeout(profile *domain.ProviderProfile) time.Duration {
	connect := profile.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	read := profile.ReadTimeout
	if read <= 0 {
		read = defaultReadTimeout
	}
	return connect + read
}

// TranslateTransportError maps transport-level failures into the shared
// vocabulary. Timeouts count as failures for circuit-breaking purposes;
// caller cancellation does not, since it says nothing about provider health.
func TranslateTransportError(err error) *domain.GatewayError {
	if errors.Is(err, context.Canceled) {
		return domain.ErrCanceled("caller canceled provider call")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTimeout("provider call exceeded deadline")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrTimeout(netErr.Error())
	}
	return domain.ErrProviderInternal(err.Error())
}

// TranslateStatus maps an upstream HTTP status into the shared vocabulary.
func TranslateStatus(status int, body string) *domain.GatewayError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrInvalidCredentials(body)
	case status == http.StatusTooManyRequests:
		return domain.ErrRateLimited(body)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.ErrTimeout(body)
	case status >= 500:
		return domain.ErrProviderInternal(body)
	default:
		ge := domain.ErrProviderInternal(body)
		ge.StatusCode = http.StatusBadGateway
		return ge
	}
}
