package metrics

import "testing"

func TestNew_RegistersCollectors(t *testing.T) {
	r := New("sender")

	r.BytesTransferred.Add(1024)
	r.BlocksSent.Inc()
	r.RetryAttempts.Inc()
	r.FilesCompleted.Inc()

	summary, err := r.Summary()
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}

	if summary == "" {
		t.Fatal("Summary() returned empty string")
	}
	if !containsAll(summary, "meshxfer_bytes_transferred_total", "meshxfer_blocks_total", "meshxfer_retry_attempts_total", "meshxfer_files_completed_total") {
		t.Errorf("Summary() missing expected metric names: %s", summary)
	}
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
