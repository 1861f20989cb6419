// Package codec validates inbound mutation payloads and renders entities
// for the wire. Validation is driven by a JSON Schema declared per stream;
// the schema's properties double as the stream's serializable field names.
package codec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/livefeed-io/livefeed/internal/gateway"
)

// Codec is the pluggable payload contract consumed by stream endpoints.
type Codec interface {
	// Validate parses and validates a raw payload. With partial set,
	// required-field checks are skipped (partial updates).
	Validate(raw []byte, partial bool) (gateway.Fields, error)
	// Render serializes an entity restricted to the declared fields.
	Render(e gateway.Entity) ([]byte, error)
	// FieldNames lists the declared serializable field names.
	FieldNames() []string
}

// ValidationError carries a field -> messages detail object for the wire.
type ValidationError struct {
	Detail map[string][]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Detail))
	for _, field := range sortedKeys(e.Detail) {
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(e.Detail[field], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Detail: map[string][]string{field: {message}}}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
