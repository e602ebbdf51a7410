package types

// APIError is the error payload shared by all REST endpoints.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the envelope the server returns on failure.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error,omitempty"`
}

func NewErrorResponse(code, message string) *ErrorResponse {
	return &ErrorResponse{Success: false, Error: &APIError{Code: code, Message: message}}
}

// RSVPRequest is the body of POST /events/rsvp.
type RSVPRequest struct {
	Username string `json:"username"`
	EventID  string `json:"event_id"`
}

// RSVPResponse is the body returned by POST /events/rsvp. Success false means
// the server definitively rejected the mutation; Message is human-readable.
type RSVPResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	IsAttending bool   `json:"is_attending"`
}

// Common error codes
const (
	ErrorCodeValidation  = "VALIDATION_ERROR"
	ErrorCodeForbidden   = "FORBIDDEN"
	ErrorCodeNotFound    = "NOT_FOUND"
	ErrorCodeRateLimited = "RATE_LIMITED"
	ErrorCodeInternal    = "INTERNAL_ERROR"
)
