package recordvalidator

// Aspect is a fixed rule-category label used to partition validation issues.
// The core does not interpret aspect semantics; it only buckets issues by the
// tag the external outcome declares.
type Aspect string

const (
	// AspectStructural covers structural conformance issues.
	AspectStructural Aspect = "structural"
	// AspectProfile covers profile conformance issues.
	AspectProfile Aspect = "profile"
	// AspectTerminology covers code and value-set binding issues.
	AspectTerminology Aspect = "terminology"
	// AspectReference covers reference resolution issues.
	AspectReference Aspect = "reference"
	// AspectBusinessRule covers business-rule violations.
	AspectBusinessRule Aspect = "business-rule"
	// AspectMetadata covers resource metadata issues.
	AspectMetadata Aspect = "metadata"
	// AspectUnknown collects issues whose declared tag matches no known
	// aspect. Keeping them in their own bucket keeps partitioning lossless.
	AspectUnknown Aspect = "unknown"
)

// Aspects returns the fixed enumeration of known aspects, excluding
// AspectUnknown.
func Aspects() []Aspect {
	return []Aspect{
		AspectStructural,
		AspectProfile,
		AspectTerminology,
		AspectReference,
		AspectBusinessRule,
		AspectMetadata,
	}
}

// IsValid returns true if this is a known aspect (including AspectUnknown).
func (a Aspect) IsValid() bool {
	switch a {
	case AspectStructural, AspectProfile, AspectTerminology,
		AspectReference, AspectBusinessRule, AspectMetadata, AspectUnknown:
		return true
	default:
		return false
	}
}

// Normalize maps an arbitrary declared tag onto the fixed enumeration.
// Unrecognized tags map to AspectUnknown rather than being dropped.
func (a Aspect) Normalize() Aspect {
	if a.IsValid() && a != AspectUnknown {
		return a
	}
	return AspectUnknown
}

// IssueSeverity represents the severity of a validation issue reported by
// the external engine.
type IssueSeverity string

const (
	// SeverityFatal indicates validation could not continue.
	SeverityFatal IssueSeverity = "fatal"
	// SeverityError indicates the document is invalid.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a potential problem.
	SeverityWarning IssueSeverity = "warning"
	// SeverityInformation indicates informational feedback.
	SeverityInformation IssueSeverity = "information"
)

// Issue is a single validation finding from the external engine.
type Issue struct {
	// Severity of the issue.
	Severity IssueSeverity `json:"severity"`

	// Code is the engine's machine-readable issue code.
	Code string `json:"code"`

	// Aspect is the rule category the issue was tagged with.
	Aspect Aspect `json:"aspect"`

	// Path locates the offending element within the document.
	Path string `json:"path,omitempty"`

	// Diagnostics contains human-readable details.
	Diagnostics string `json:"diagnostics,omitempty"`
}

// IsError returns true if this is an error or fatal issue.
func (i Issue) IsError() bool {
	return i.Severity == SeverityError || i.Severity == SeverityFatal
}

// IsWarning returns true if this is a warning.
func (i Issue) IsWarning() bool {
	return i.Severity == SeverityWarning
}

// String returns a human-readable representation of the issue.
func (i Issue) String() string {
	s := string(i.Severity) + ": " + i.Diagnostics
	if i.Path != "" {
		s += " at " + i.Path
	}
	return s
}
