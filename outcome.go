package recordvalidator

// Outcome is the structured result of one external engine invocation.
type Outcome struct {
	// Issues contains every finding the engine reported, in engine order.
	Issues []Issue `json:"issues"`

	// EngineVersion is the version string the engine reported, if any.
	EngineVersion string `json:"engineVersion,omitempty"`
}

// Valid returns true if no error or fatal issues were reported.
func (o *Outcome) Valid() bool {
	for _, issue := range o.Issues {
		if issue.IsError() {
			return false
		}
	}
	return true
}

// ErrorCount returns the number of error and fatal issues.
func (o *Outcome) ErrorCount() int {
	count := 0
	for _, issue := range o.Issues {
		if issue.IsError() {
			count++
		}
	}
	return count
}

// WarningCount returns the number of warning issues.
func (o *Outcome) WarningCount() int {
	count := 0
	for _, issue := range o.Issues {
		if issue.IsWarning() {
			count++
		}
	}
	return count
}

// ByAspect partitions the outcome's issues by their normalized aspect tag.
// The partition is lossless and disjoint: every issue lands in exactly one
// bucket, unrecognized tags land in AspectUnknown, and the union of all
// buckets equals Issues.
func (o *Outcome) ByAspect() map[Aspect][]Issue {
	buckets := make(map[Aspect][]Issue)
	for _, issue := range o.Issues {
		aspect := issue.Aspect.Normalize()
		buckets[aspect] = append(buckets[aspect], issue)
	}
	return buckets
}
