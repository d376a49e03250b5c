package neutralgate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Sentinel errors.
var (
	ErrInvalidRequest      = errors.New("neutralgate: invalid request")
	ErrNoKey               = errors.New("neutralgate: no activation key")
	ErrInvalidKey          = errors.New("neutralgate: invalid activation key")
	ErrNoToken             = errors.New("neutralgate: no token")
	ErrInvalidToken        = errors.New("neutralgate: invalid token")
	ErrPlanRequired        = errors.New("neutralgate: plan required")
	ErrDeviceLimit         = errors.New("neutralgate: device limit reached")
	ErrQuotaExceeded       = errors.New("neutralgate: quota exceeded")
	ErrRateLimited         = errors.New("neutralgate: rate limited")
	ErrAuthFailed          = errors.New("neutralgate: provider authentication failed")
	ErrProviderUnavailable = errors.New("neutralgate: provider unavailable")
	ErrProviderRateLimited = errors.New("neutralgate: rate limited by provider")
	ErrMissingCredentials  = errors.New("neutralgate: missing provider credentials")
	ErrTimeout             = errors.New("neutralgate: provider timeout")
	ErrEmptyResponse       = errors.New("neutralgate: empty provider response")
)

// ProviderError wraps an error with the provider call it came from.
type ProviderError struct {
	Err      error
	Provider ProviderID
	Model    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("neutralgate: provider=%s model=%s: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error is caused by the request or credentials rather
// than the provider's availability.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrMissingCredentials)
}

// IsRetryable returns true if the provider may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// PublicMessage returns a short, normalized message safe to show in a result slot.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrMissingCredentials):
		return "missing api key"
	case errors.Is(err, ErrAuthFailed):
		return "authentication failed"
	case errors.Is(err, ErrProviderRateLimited):
		return "rate limited by provider"
	case errors.Is(err, ErrInvalidRequest):
		return "request rejected by provider"
	case errors.Is(err, ErrEmptyResponse):
		return "empty response"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider unavailable"
	default:
		return "provider error"
	}
}

// TransportError classifies an error from http.Client.Do. Cancellation by the
// caller is returned as ctx.Err() so it is not counted against the provider. The
// request URL is stripped because some providers carry the API key in it.
func TransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return ErrTimeout
		}
		err = uerr.Err
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
