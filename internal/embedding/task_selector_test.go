package embedding

import "testing"

func TestSelectTaskTypeDocument(t *testing.T) {
	if got := SelectTaskType(ContentTypeDocument); got != "RETRIEVAL_DOCUMENT" {
		t.Fatalf("SelectTaskType(document)=%q, want RETRIEVAL_DOCUMENT", got)
	}
}

func TestSelectTaskTypeQuery(t *testing.T) {
	if got := SelectTaskType(ContentTypeQuery); got != "RETRIEVAL_QUERY" {
		t.Fatalf("SelectTaskType(query)=%q, want RETRIEVAL_QUERY", got)
	}
}

func TestSelectTaskTypeUnknownDefaultsToDocument(t *testing.T) {
	if got := SelectTaskType(ContentType("other")); got != "RETRIEVAL_DOCUMENT" {
		t.Fatalf("SelectTaskType(unknown)=%q, want RETRIEVAL_DOCUMENT", got)
	}
}
