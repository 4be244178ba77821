package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// GatewayError wraps every failure talking to the payment provider
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
	// NotSent marks failures raised before the request left the process
	NotSent bool
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s failed", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Code returns a short machine-readable code for grouping failures
func (e *GatewayError) Code() string {
	switch {
	case errors.Is(e.Err, errMalformed):
		return "malformed_response"
	case e.StatusCode != 0:
		return fmt.Sprintf("http_%d", e.StatusCode)
	default:
		return "transport_error"
	}
}

// OutcomeUnknown reports whether the provider may have acted on the request
// without a usable answer coming back: the connection failed or timed out
// after sending, the provider answered 5xx, or a 2xx body could not be read.
func (e *GatewayError) OutcomeUnknown() bool {
	if e.NotSent {
		return false
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode >= 200 && e.StatusCode < 300:
		return true
	}
	return false
}

// NotFound reports whether the provider has no record of the resource
func (e *GatewayError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

var errMalformed = errors.New("malformed response")

// IsOutcomeUnknown reports whether err is a gateway error whose effect on
// the provider side cannot be determined
func IsOutcomeUnknown(err error) bool {
	gwErr, ok := AsGatewayError(err)
	return ok && gwErr.OutcomeUnknown()
}

// IsNotFound reports whether err is a gateway 404
func IsNotFound(err error) bool {
	gwErr, ok := AsGatewayError(err)
	return ok && gwErr.NotFound()
}

// AsGatewayError reports whether err is (or wraps) a *GatewayError
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}
