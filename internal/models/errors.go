package models

// APIError is the error payload returned by the gateway.
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// ErrorResponse wraps an APIError in the envelope clients expect.
type ErrorResponse struct {
	Error APIError `json:"error"`
}
