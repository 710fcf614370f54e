package xfer

import (
	"encoding/json"
	"testing"
)

func validMetadata() BatchMetadata {
	return BatchMetadata{
		Kind:      "stream",
		FileCount: 2,
		TotalSize: 30,
		Files: []FileDescriptor{
			{RelativePath: "a.txt", Size: 10, Offset: 0},
			{RelativePath: "b.txt", Size: 20, Offset: 10},
		},
	}
}

func TestBatchMetadata_Validate_Accepts(t *testing.T) {
	m := validMetadata()
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestBatchMetadata_Validate_RejectsBadKind(t *testing.T) {
	m := validMetadata()
	m.Kind = "batch"
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for wrong kind")
	}
}

func TestBatchMetadata_Validate_RejectsFileCountMismatch(t *testing.T) {
	m := validMetadata()
	m.FileCount = 3
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for file_count mismatch")
	}
}

func TestBatchMetadata_Validate_RejectsDuplicatePath(t *testing.T) {
	m := validMetadata()
	m.Files[1].RelativePath = "a.txt"
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for duplicate relative path")
	}
}

func TestBatchMetadata_Validate_RejectsOffsetMismatch(t *testing.T) {
	m := validMetadata()
	m.Files[1].Offset = 15
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for non-monotonic offset")
	}
}

func TestBatchMetadata_Validate_RejectsTotalSizeMismatch(t *testing.T) {
	m := validMetadata()
	m.TotalSize = 999
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for total_size mismatch")
	}
}

func TestHashMapRecord_JSONRoundTrip(t *testing.T) {
	h := HashMapRecord{"a.txt": "deadbeef"}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out HashMapRecord
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out["a.txt"] != "deadbeef" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestPeekControlType_RetryRequest(t *testing.T) {
	rr := RetryRequest{Type: "retry_request", FailedFiles: []string{"a.txt"}, Attempt: 1}
	data, _ := json.Marshal(rr)
	kind, err := peekControlType(data)
	if err != nil {
		t.Fatalf("peekControlType() error = %v", err)
	}
	if kind != "retry_request" {
		t.Errorf("kind = %q, want retry_request", kind)
	}
}

func TestPeekControlType_CompletionSignal(t *testing.T) {
	cs := CompletionSignal{Status: "completed", Message: "ok", CompletionTime: 1.0}
	data, _ := json.Marshal(cs)
	kind, err := peekControlType(data)
	if err != nil {
		t.Fatalf("peekControlType() error = %v", err)
	}
	if kind != "" {
		t.Errorf("kind = %q, want empty (CompletionSignal has no type field)", kind)
	}
}
