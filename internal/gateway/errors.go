package gateway

import "fmt"

// AuthenticationError means credentials were rejected or a token refresh
// failed. Nothing else will succeed until it is resolved.
type AuthenticationError struct {
	Message string
	Status  int
	Body    string
}

func (e *AuthenticationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed: %s (http %d)", e.Message, e.Status)
	}
	return "authentication failed: " + e.Message
}

// APIRequestError is a transport or HTTP-level failure. The raw status and
// body are preserved for diagnostics. Mutating calls are never auto-retried.
type APIRequestError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *APIRequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *APIRequestError) Unwrap() error { return e.Err }

// APIResponseParsingError means the broker returned a shape we could not
// decode. The raw body is kept; nothing is silently defaulted.
type APIResponseParsingError struct {
	Op   string
	Body string
	Err  error
}

func (e *APIResponseParsingError) Error() string {
	return fmt.Sprintf("%s: cannot parse response: %v (body: %s)", e.Op, e.Err, e.Body)
}

func (e *APIResponseParsingError) Unwrap() error { return e.Err }

// OrderPlacementError is a business rejection from the order endpoints:
// the envelope came back success=false.
type OrderPlacementError struct {
	Op           string
	ErrorCode    int
	ErrorMessage string
}

func (e *OrderPlacementError) Error() string {
	return fmt.Sprintf("%s rejected: %s (code %d)", e.Op, e.ErrorMessage, e.ErrorCode)
}
