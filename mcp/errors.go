package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"sponsorhub-backend/core/deal"
)

// ToolError is the structured body of a failed tool call.
type ToolError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Tool       string `json:"tool,omitempty"`
	Field      string `json:"field,omitempty"`
	Hint       string `json:"hint,omitempty"`
	HttpStatus int    `json:"http_status,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeMissingRequired = "MISSING_REQUIRED_FIELD"
	ErrCodeValidation      = "VALIDATION_FAILED"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "RESOURCE_NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// classify turns a service error into a ToolError. Internal failures keep their
// detail out of the message.
func classify(tool string, err error) *ToolError {
	te := &ToolError{Tool: tool, Message: err.Error()}
	switch deal.KindOf(err) {
	case deal.KindValidation:
		te.Code, te.HttpStatus = ErrCodeValidation, 400
	case deal.KindUnauthenticated:
		te.Code, te.HttpStatus = ErrCodeUnauthorized, 401
		te.Hint = "Use a valid session: MCP_SESSION_TOKEN on stdio, Authorization: Bearer over HTTP."
	case deal.KindForbidden:
		te.Code, te.HttpStatus = ErrCodeForbidden, 403
	case deal.KindNotFound:
		te.Code, te.HttpStatus = ErrCodeNotFound, 404
	case deal.KindConflict:
		te.Code, te.HttpStatus = ErrCodeConflict, 409
		te.Hint = "Fetch the deal again; its stage may have changed."
	default:
		te.Code, te.HttpStatus = ErrCodeInternalError, 500
		te.Message = "something went wrong, please try again"
	}
	return te
}

func missingField(tool, field string) *ToolError {
	return &ToolError{
		Code:       ErrCodeMissingRequired,
		Message:    fmt.Sprintf("%s is required", field),
		Tool:       tool,
		Field:      field,
		HttpStatus: 400,
	}
}

func errorResult(te *ToolError) *mcp.CallToolResult {
	body, err := json.Marshal(te)
	if err != nil {
		return mcp.NewToolResultError(te.Error())
	}
	return mcp.NewToolResultError(string(body))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(body)), nil
}
