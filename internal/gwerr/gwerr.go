// Package gwerr defines the gateway's error taxonomy and its JSON
// rendering in OpenAI-compatible shape.
package gwerr

import (
	"encoding/json"
	"net/http"
)

// Kind classifies a gateway error into one of the documented failure
// categories. It is not a Go error type in itself — see Error.
type Kind string

const (
	InvalidRequest      Kind = "invalid_request"
	NoBackend           Kind = "no_backend"
	UpstreamUnavailable Kind = "upstream_unavailable"
	UpstreamTimeout     Kind = "upstream_timeout"
	RagUnavailable      Kind = "rag_unavailable"
	McpUnavailable      Kind = "mcp_unavailable"
	MemoryUnavailable   Kind = "memory_unavailable"
	Internal            Kind = "internal"
)

var statusByKind = map[Kind]int{
	InvalidRequest:      http.StatusBadRequest,
	NoBackend:           http.StatusServiceUnavailable,
	UpstreamUnavailable: http.StatusBadGateway,
	UpstreamTimeout:     http.StatusGatewayTimeout,
	RagUnavailable:      http.StatusBadGateway,
	McpUnavailable:      http.StatusBadGateway,
	MemoryUnavailable:   http.StatusInternalServerError,
	Internal:            http.StatusInternalServerError,
}

// Error is a gateway-originated error. Errors forwarded verbatim from a
// selected backend are not wrapped in Error — they are copied through as-is.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Wrapped error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: err}
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Message + ": " + e.Wrapped.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// HTTPStatus maps the error's Kind to its documented status code.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// WriteJSON renders the error in the OpenAI-compatible
// {error:{message,type,code}} envelope and writes the matching status.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Message: e.Message,
		Type:    string(e.Kind),
		Code:    e.Code,
	}})
}
