package validation

import (
	"github.com/fhirval/fhirval/internal/platform/canonical"
)

// ResourceHash computes the canonical fingerprint of a resource payload.
// Key order and number spelling do not affect the hash.
func ResourceHash(resource map[string]interface{}) (string, error) {
	return canonical.Hash(resource)
}
