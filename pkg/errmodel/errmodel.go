// Package errmodel defines the compact error envelope shared by the engine,
// its transports and the client facade.
package errmodel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryValidation = "validation"
	CategoryProvider   = "provider"
	CategoryNetwork    = "network"
	CategoryPolicy     = "policy"
	CategorySystem     = "system"
)

// Codes used by the snapshot engine.
const (
	CodeNotFound           = "not_found"
	CodeCaptureFailure     = "capture_failure"
	CodeRestoreFailure     = "restore_failure"
	CodeUnsupportedVersion = "unsupported_version"
	CodeExecutionDenied    = "execution_denied"
	CodeRestoreInProgress  = "restore_in_progress"
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func Policy(code, message string, ctx map[string]any) *Error {
	return New(CategoryPolicy, code, message, ctx)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, code, message, ctx, cause)
	}
	return New(CategorySystem, code, message, ctx)
}

func NotFound(message string, ctx map[string]any) *Error {
	return New(CategoryValidation, CodeNotFound, message, ctx)
}

// CaptureFailure reports that one provider could not read its domain.
func CaptureFailure(providerID string, cause error) *Error {
	msg := providerID + ": capture failed"
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return New(CategoryProvider, CodeCaptureFailure, msg, map[string]any{"provider_id": providerID}, cause)
}

// UnsupportedVersion reports a fragment or payload newer than this build understands.
func UnsupportedVersion(providerID string, found, maxSupported int) *Error {
	msg := fmt.Sprintf("%s: fragment version %d is newer than supported version %d", providerID, found, maxSupported)
	return New(CategoryValidation, CodeUnsupportedVersion, msg, map[string]any{
		"provider_id":   providerID,
		"found_version": found,
		"max_supported": maxSupported,
	})
}

// ExecutionDenied rejects a restore before any provider is touched.
func ExecutionDenied(reason string, ctx map[string]any) *Error {
	return New(CategoryPolicy, CodeExecutionDenied, "execution denied: "+reason, ctx)
}

// RestoreInProgress is an ExecutionDenied variant for the per-tenant restore marker.
func RestoreInProgress(workspaceID string) *Error {
	return New(CategoryPolicy, CodeRestoreInProgress, "execution denied: restore already in progress", map[string]any{"workspace_id": workspaceID})
}

// RestoreFailure reports a restore that did not complete for every provider.
func RestoreFailure(message string, ctx map[string]any, causes ...error) *Error {
	return New(CategoryProvider, CodeRestoreFailure, message, ctx, causes...)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		// Special-case common codes
		switch e.Code {
		case CodeNotFound:
			return http.StatusNotFound
		case "conflict":
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case CategoryPolicy:
		switch e.Code {
		case "unauthorized":
			return http.StatusUnauthorized
		case "forbidden":
			return http.StatusForbidden
		case "method_not_allowed":
			return http.StatusMethodNotAllowed
		case CodeRestoreInProgress:
			return http.StatusConflict
		default:
			return http.StatusForbidden
		}
	case CategoryNetwork, CategoryProvider:
		return http.StatusBadGateway
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	WriteHTTPWith(w, r, err, nil)
}

// WriteHTTPWith writes the error envelope plus extra top-level fields, e.g. a
// partial restore result next to the error that describes it.
func WriteHTTPWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string, ...extra }
	env := map[string]any{
		"error":    ce,
		"trace_id": traceID,
	}
	for k, v := range extra {
		if k == "error" || k == "trace_id" {
			continue
		}
		env[k] = v
	}
	_ = json.NewEncoder(w).Encode(env)
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			// Try to stringify primitive slices to keep payload compact.
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				// Avoid giant blobs; keep a preview
				s := string(b)
				if len(s) > 256 {
					s = truncate(s, 256)
				}
				out[k] = s
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// IsCode checks if err carries a specific code.
func IsCode(err error, code string) bool {
	ce := From(err)
	return ce != nil && ce.Code == code
}

// IsExecutionDenied reports whether err rejected an operation before it ran.
func IsExecutionDenied(err error) bool {
	return IsCode(err, CodeExecutionDenied) || IsCode(err, CodeRestoreInProgress)
}
