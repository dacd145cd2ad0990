package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// ServiceResponse is the envelope for every API response this service returns.
// Data carries the payload on success; Error carries a safe, user-facing
// message on failure.  Raw internal errors are never placed here.
type ServiceResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// SendJson writes the response envelope to the provided writer with the given status code.
func (sr ServiceResponse) SendJson(w http.ResponseWriter, statusCode int) {

	// stamp the response time if the caller did not
	if sr.Timestamp.IsZero() {
		sr.Timestamp = time.Now().UTC()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(sr)
}

// Ok builds a successful response envelope with the provided message and payload.
func Ok(message string, data interface{}) ServiceResponse {
	return ServiceResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Fail builds a failed response envelope with the provided user-facing message.
func Fail(message string) ServiceResponse {
	return ServiceResponse{
		Success:   false,
		Message:   message,
		Error:     message,
		Timestamp: time.Now().UTC(),
	}
}

// Pagination describes the slice of a result set returned in a paged response.
type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}
