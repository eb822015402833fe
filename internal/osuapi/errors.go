package osuapi

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderRejected indicates osu! refused the code, token or request.
	ErrProviderRejected = errors.New("osu_api.rejected")
	// ErrMissingScope indicates the user did not grant the required "public" scope.
	ErrMissingScope = errors.New("osu_api.missing_scope")
	// ErrTransport covers network failures, timeouts and 5xx responses.
	ErrTransport = errors.New("osu_api.transport")
	// ErrProfileNotFound indicates the requested osu! user does not exist.
	ErrProfileNotFound = errors.New("osu_api.profile_not_found")
	// ErrMalformedResponse indicates osu! answered with a payload that could not be decoded.
	ErrMalformedResponse = errors.New("osu_api.malformed_response")
)

// ProviderError carries the context of a failed provider call.
// Body is kept for logs only and must never be rendered to end users.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (providerError *ProviderError) Error() string {
	if providerError.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", providerError.Op, providerError.StatusCode, providerError.Err)
	}
	return fmt.Sprintf("%s: %v", providerError.Op, providerError.Err)
}

func (providerError *ProviderError) Unwrap() error {
	return providerError.Err
}

func newProviderError(operation string, statusCode int, body []byte, cause error) error {
	return &ProviderError{
		Op:         operation,
		StatusCode: statusCode,
		Body:       truncateBody(body),
		Err:        cause,
	}
}

const maxLoggedBody = 512

func truncateBody(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody])
	}
	return string(body)
}
