package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRouteNotFound is returned when no route serves the requested alias.
// It is a client-visible rejection and is never retried internally.
var ErrRouteNotFound = errors.New("no route found for model")

// ValidationError reports a malformed request body. No upstream call is
// made for a request that fails validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// PolicyViolation is a pre-dispatch admission rejection: the tenant's
// policy disallows the model or the estimated cost exceeds its cap.
type PolicyViolation struct {
	Tenant string
	Reason string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation for tenant %q: %s", e.Tenant, e.Reason)
}

// UpstreamError is a provider network or HTTP failure. Retryable is a hint
// for higher layers; this layer never retries.
type UpstreamError struct {
	Provider  string
	Status    int
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s error: status=%d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s error: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ExtractionError means no JSON object could be pulled out of a completion
// that was supposed to carry structured output.
type ExtractionError struct {
	Reason string
}

func (e *ExtractionError) Error() string {
	return "structured output extraction failed: " + e.Reason
}

// SchemaValidationError carries every violated field path, not just the
// first, so callers can report all problems at once.
type SchemaValidationError struct {
	Violations []FieldViolation
}

type FieldViolation struct {
	Path    string
	Message string
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Path + ": " + v.Message
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}
