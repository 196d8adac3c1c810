package process

import (
	"encoding/json"
	"io"

	rv "github.com/medvertical/validator"
)

// SchemaVersion is the process boundary envelope version. A worker that
// answers with any other version is treated as broken.
const SchemaVersion = 1

// requestEnvelope is the shape written to the worker's exchange directory.
type requestEnvelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	ID            string          `json:"id"`
	FHIRVersion   string          `json:"fhirVersion,omitempty"`
	Profiles      []string        `json:"profiles,omitempty"`
	Resource      json.RawMessage `json:"resource"`
}

// responseEnvelope is the shape the worker writes back.
type responseEnvelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	ID            string          `json:"id"`
	EngineVersion string          `json:"engineVersion,omitempty"`
	Issues        []issueEnvelope `json:"issues"`
}

type issueEnvelope struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Aspect      string `json:"aspect"`
	Path        string `json:"path,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func encodeRequest(w io.Writer, env requestEnvelope) error {
	return json.NewEncoder(w).Encode(env)
}

// decodeResponse reads one response envelope, failing on any deviation from
// the fixed shape: unknown fields, trailing content, a wrong schema version,
// or an unrecognized severity.
func decodeResponse(r io.Reader) (*responseEnvelope, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var env responseEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, rv.Wrap(err, rv.CodeProcess, "malformed validator response")
	}
	if dec.More() {
		return nil, rv.New(rv.CodeProcess, "trailing content after validator response")
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, rv.Newf(rv.CodeProcess, "unsupported response schema version %d", env.SchemaVersion)
	}
	if env.ID == "" {
		return nil, rv.New(rv.CodeProcess, "validator response has no request id")
	}
	for i, issue := range env.Issues {
		switch rv.IssueSeverity(issue.Severity) {
		case rv.SeverityFatal, rv.SeverityError, rv.SeverityWarning, rv.SeverityInformation:
		default:
			return nil, rv.Newf(rv.CodeProcess, "issue %d has unrecognized severity %q", i, issue.Severity)
		}
	}
	return &env, nil
}

// outcome converts the envelope into the core result type. Aspect tags pass
// through unnormalized; bucketing happens at partition time.
func (env *responseEnvelope) outcome() *rv.Outcome {
	out := &rv.Outcome{
		Issues:        make([]rv.Issue, 0, len(env.Issues)),
		EngineVersion: env.EngineVersion,
	}
	for _, issue := range env.Issues {
		out.Issues = append(out.Issues, rv.Issue{
			Severity:    rv.IssueSeverity(issue.Severity),
			Code:        issue.Code,
			Aspect:      rv.Aspect(issue.Aspect),
			Path:        issue.Path,
			Diagnostics: issue.Diagnostics,
		})
	}
	return out
}
