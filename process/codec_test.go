package process

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rv "github.com/medvertical/validator"
)

func TestCodec_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	err := encodeRequest(&buf, requestEnvelope{
		SchemaVersion: SchemaVersion,
		ID:            "req-1",
		FHIRVersion:   "R4",
		Profiles:      []string{"http://example.org/StructureDefinition/x"},
		Resource:      []byte(`{"resourceType":"Patient"}`),
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"schemaVersion":1`)
	assert.Contains(t, buf.String(), `"resource":{"resourceType":"Patient"}`)
}

func TestDecodeResponse(t *testing.T) {
	resp, err := decodeResponse(strings.NewReader(`{
		"schemaVersion": 1,
		"id": "req-1",
		"engineVersion": "6.3.0",
		"issues": [
			{"severity": "error", "code": "structure", "aspect": "structural", "path": "Patient.name"},
			{"severity": "warning", "code": "code-invalid", "aspect": "terminology"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, "6.3.0", resp.EngineVersion)
	require.Len(t, resp.Issues, 2)

	out := resp.outcome()
	assert.False(t, out.Valid())
	assert.Equal(t, rv.AspectStructural, out.Issues[0].Aspect)
	assert.Equal(t, "Patient.name", out.Issues[0].Path)
}

func TestDecodeResponse_Strict(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "unknown field",
			input: `{"schemaVersion":1,"id":"r","issues":[],"extra":true}`,
		},
		{
			name:  "wrong schema version",
			input: `{"schemaVersion":2,"id":"r","issues":[]}`,
		},
		{
			name:  "missing request id",
			input: `{"schemaVersion":1,"issues":[]}`,
		},
		{
			name:  "unrecognized severity",
			input: `{"schemaVersion":1,"id":"r","issues":[{"severity":"catastrophic","code":"x","aspect":"structural"}]}`,
		},
		{
			name:  "trailing content",
			input: `{"schemaVersion":1,"id":"r","issues":[]}{"schemaVersion":1}`,
		},
		{
			name:  "not json",
			input: `Validation complete: 3 errors`,
		},
		{
			name:  "truncated",
			input: `{"schemaVersion":1,"id":"r","iss`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeResponse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.True(t, rv.IsProcess(err), "want CodeProcess, got %v", err)
		})
	}
}

func TestDecodeResponse_EmptyIssueList(t *testing.T) {
	resp, err := decodeResponse(strings.NewReader(`{"schemaVersion":1,"id":"r","issues":[]}`))
	require.NoError(t, err)

	out := resp.outcome()
	assert.True(t, out.Valid())
	assert.Empty(t, out.Issues)
}
