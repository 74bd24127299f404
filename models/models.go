package models

import "time"

// HealthResponse represents health check response
type HealthResponse struct {
	Status      string `json:"status"`
	StoreDriver string `json:"store_driver"`
	Uptime      string `json:"uptime"`
	Timestamp   int64  `json:"timestamp"`
}

// ErrorResponse represents API error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// APIResponse represents a generic API response
type APIResponse struct {
	Success bool                   `json:"success"`
	Data    interface{}            `json:"data,omitempty"`
	Error   *ErrorResponse         `json:"error,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(data interface{}) *APIResponse {
	return &APIResponse{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse creates an error response. code is the short machine-readable
// label, message the text shown to the user.
func NewErrorResponse(code string, message string, status int) *APIResponse {
	return &APIResponse{
		Success: false,
		Error: &ErrorResponse{
			Error:     code,
			Message:   message,
			Code:      status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// NewErrorResponseWithHint creates an error response with a hint.
func NewErrorResponseWithHint(code string, message string, status int, hint string) *APIResponse {
	resp := NewErrorResponse(code, message, status)
	resp.Error.Hint = hint
	return resp
}

// NewSuccessResponseWithMeta creates a success response with metadata
func NewSuccessResponseWithMeta(data interface{}, meta map[string]interface{}) *APIResponse {
	return &APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta,
	}
}

// WaitlistRequest represents a waitlist signup
type WaitlistRequest struct {
	Email        string `json:"email"`
	Source       string `json:"source,omitempty"`
	CaptchaToken string `json:"captcha_token,omitempty"`
}

// MagicLinkRequest asks for a login link
type MagicLinkRequest struct {
	Email        string `json:"email"`
	CaptchaToken string `json:"captcha_token,omitempty"`
}

// VerifyRequest exchanges a login link token for a session
type VerifyRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

// SessionResponse is returned after a successful login
type SessionResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      interface{} `json:"user"`
	NewUser   bool        `json:"new_user"`
}

// CreateDealRequest represents a deal request
type CreateDealRequest struct {
	CounterpartyID string `json:"counterparty_id"`
	Message        string `json:"message"`
	Value          *int64 `json:"value,omitempty"`
}

// ProposeTermsRequest represents a price and deadline offer
type ProposeTermsRequest struct {
	Amount   float64 `json:"amount"`
	Deadline string  `json:"deadline"`
}

// SubmitContentRequest represents a content delivery
type SubmitContentRequest struct {
	URL string `json:"url"`
}

// RejectSubmissionRequest carries the mandatory rework reason
type RejectSubmissionRequest struct {
	Reason string `json:"reason"`
}

// MessageRequest represents a chat message
type MessageRequest struct {
	Body string `json:"body"`
}

// ApproveWaitlistRequest represents an admin waitlist approval
type ApproveWaitlistRequest struct {
	Email string `json:"email"`
}
