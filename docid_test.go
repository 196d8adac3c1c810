package recordvalidator

import (
	"strings"
	"testing"
)

func TestDocumentID(t *testing.T) {
	id, err := DocumentID([]byte(`{"resourceType":"Patient","id":"p-123","active":true}`))
	if err != nil {
		t.Fatalf("DocumentID() error = %v", err)
	}
	if id != "Patient/p-123" {
		t.Errorf("DocumentID() = %q; want %q", id, "Patient/p-123")
	}
}

func TestDocumentID_MissingID(t *testing.T) {
	doc := []byte(`{"resourceType":"Observation","status":"final"}`)

	id, err := DocumentID(doc)
	if err != nil {
		t.Fatalf("DocumentID() error = %v", err)
	}
	if !strings.HasPrefix(id, "Observation/xxh64:") {
		t.Errorf("DocumentID() = %q; want content-hash fallback", id)
	}

	// Deterministic for the same content
	again, _ := DocumentID(doc)
	if id != again {
		t.Error("hash fallback should be deterministic")
	}

	// Distinct content must not collide on a shared key
	other, _ := DocumentID([]byte(`{"resourceType":"Observation","status":"preliminary"}`))
	if id == other {
		t.Error("distinct anonymous documents should get distinct keys")
	}
}

func TestDocumentID_NoResourceType(t *testing.T) {
	_, err := DocumentID([]byte(`{"id":"p-1"}`))
	if err == nil {
		t.Fatal("DocumentID() = nil error; want error")
	}
	if !IsProcess(err) {
		t.Errorf("CodeOf() = %d; want CodeProcess", CodeOf(err))
	}
}
