// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Code constants. These are the stable error kinds surfaced to clients.
const (
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeProviderNotFound   = "provider_not_found"
	CodeProviderDisabled   = "provider_disabled"
	CodeNoCredentials      = "no_credentials"
	CodeAllUpstreamsFailed = "all_upstreams_failed"
	CodeConfigInvalid      = "config_invalid"
	CodeInternalError      = "internal_error"
	CodeInvalidRequest     = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message    string `json:"message"`
		Type       string `json:"type"`
		Code       string `json:"code"`
		LastStatus int    `json:"last_status,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 with the fixed body the auth gate uses.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"Unauthorized"}`)
}

// WriteForbidden writes a 403 for admin routes called without the admin token.
func WriteForbidden(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusForbidden, "admin token required", TypePermissionError, CodeForbidden)
}

// WriteProviderNotFound writes a 404 for an unresolvable provider path.
func WriteProviderNotFound(ctx *fasthttp.RequestCtx, path string) {
	Write(ctx, fasthttp.StatusNotFound, "no provider matches path "+path, TypeInvalidRequest, CodeProviderNotFound)
}

// WriteProviderDisabled writes a 503 for a provider that exists but is disabled.
func WriteProviderDisabled(ctx *fasthttp.RequestCtx, name string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "provider "+name+" is disabled", TypeProviderError, CodeProviderDisabled)
}

// WriteNoCredentials writes a 503 when a provider pool has no enabled credentials.
func WriteNoCredentials(ctx *fasthttp.RequestCtx, provider string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "no enabled credentials for provider "+provider, TypeProviderError, CodeNoCredentials)
}

// WriteAllUpstreamsFailed writes the terminal 502 after the retry budget is
// exhausted. lastStatus is the HTTP status of the final upstream attempt
// (0 when the failure was a connect error).
func WriteAllUpstreamsFailed(ctx *fasthttp.RequestCtx, lastStatus int, lastMessage string) {
	ctx.SetStatusCode(fasthttp.StatusBadGateway)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:    lastMessage,
		Type:       TypeProviderError,
		Code:       CodeAllUpstreamsFailed,
		LastStatus: lastStatus,
	}})
	ctx.SetBody(body)
}
