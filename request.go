package recordvalidator

import "time"

// Request carries per-call validation options. The zero value asks for the
// engine defaults.
type Request struct {
	// FHIRVersion selects the target schema version. Empty means the
	// engine's configured default.
	FHIRVersion FHIRVersion `json:"fhirVersion,omitempty"`

	// Profiles lists profile URLs to validate against.
	Profiles []string `json:"profiles,omitempty"`

	// Timeout overrides the configured job timeout. Zero means no override.
	Timeout time.Duration `json:"-"`
}
