// Package api serves the governed execution core over HTTP. Every error is
// an RFC 7807 problem document.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a bounded explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path.
	Instance string `json:"instance,omitempty"`
	// ErrorCode is the taxonomy code when one applies.
	ErrorCode contracts.ErrorCode `json:"error_code,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int, code contracts.ErrorCode) string {
	if code != "" {
		return "urn:govcore:problem:" + string(code)
	}
	return fmt.Sprintf("urn:govcore:problem:http-%d", status)
}

// WriteProblem writes p with the problem+json content type.
func WriteProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemType(p.Status, p.ErrorCode)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	p.Detail = contracts.BoundMessage(p.Detail)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem for r without a taxonomy code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	WriteProblem(w, &ProblemDetail{Status: status, Detail: detail, Instance: instance(r)})
}

// WriteCoded writes a problem carrying an error taxonomy code.
func WriteCoded(w http.ResponseWriter, r *http.Request, status int, code contracts.ErrorCode, detail string) {
	WriteProblem(w, &ProblemDetail{Status: status, Detail: detail, Instance: instance(r), ErrorCode: code})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="govcore"`)
	WriteError(w, r, http.StatusUnauthorized, detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, r, http.StatusForbidden, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never returned.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", instance(r), "error", err)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func instance(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	return r.URL.Path
}
