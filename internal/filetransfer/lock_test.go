package filetransfer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewLockManager_WritesPendingEntries(t *testing.T) {
	dir := t.TempDir()

	files := []FileDescriptor{
		{RelativePath: "a.txt", Size: 100, Offset: 0},
		{RelativePath: "b.txt", Size: 200, Offset: 100},
	}

	lm, err := NewLockManager(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}

	doc := readLockFile(t, dir)
	if doc.TotalFiles != 2 {
		t.Errorf("TotalFiles = %d, want 2", doc.TotalFiles)
	}
	if doc.TotalSize != 300 {
		t.Errorf("TotalSize = %d, want 300", doc.TotalSize)
	}
	if doc.Files["a.txt"].Status != StatusPending {
		t.Errorf("a.txt status = %q, want pending", doc.Files["a.txt"].Status)
	}

	_ = lm
}

func TestUpdateFileStatus_TerminalTriggersFlush(t *testing.T) {
	dir := t.TempDir()
	files := []FileDescriptor{{RelativePath: "a.txt", Size: 100, Offset: 0}}

	lm, err := NewLockManager(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}

	if err := lm.UpdateFileStatus("a.txt", StatusCompleted, 100, "deadbeef"); err != nil {
		t.Fatalf("UpdateFileStatus() error = %v", err)
	}

	doc := readLockFile(t, dir)
	entry := doc.Files["a.txt"]
	if entry.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", entry.Status)
	}
	if entry.TransferredBytes != 100 {
		t.Errorf("TransferredBytes = %d, want 100", entry.TransferredBytes)
	}
	if entry.OriginalHash != "deadbeef" {
		t.Errorf("OriginalHash = %q, want deadbeef", entry.OriginalHash)
	}
}

func TestUpdateFileStatus_NonTerminalDoesNotFlushImmediately(t *testing.T) {
	dir := t.TempDir()
	files := []FileDescriptor{{RelativePath: "a.txt", Size: 100, Offset: 0}}

	lm, err := NewLockManager(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}
	lm.lastFlush = time.Now() // reset so the interval trigger won't fire

	if err := lm.UpdateFileStatus("a.txt", StatusInProgress, 50, ""); err != nil {
		t.Fatalf("UpdateFileStatus() error = %v", err)
	}

	doc := readLockFile(t, dir)
	if doc.Files["a.txt"].Status == StatusInProgress {
		t.Error("expected on-disk status to still be pending before a flush trigger fires")
	}
}

func TestSetDeferring_SuppressesIntermediateFlush(t *testing.T) {
	dir := t.TempDir()
	files := []FileDescriptor{{RelativePath: "a.txt", Size: 100, Offset: 0}}

	lm, err := NewLockManager(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}
	lm.SetDeferring(true)
	lm.lastFlush = time.Now()

	if err := lm.UpdateFileStatus("a.txt", StatusInProgress, 50, ""); err != nil {
		t.Fatalf("UpdateFileStatus() error = %v", err)
	}

	doc := readLockFile(t, dir)
	if doc.Files["a.txt"].Status != StatusPending {
		t.Error("expected deferred update not to be flushed yet")
	}

	if err := lm.FlushDeferred(); err != nil {
		t.Fatalf("FlushDeferred() error = %v", err)
	}

	doc = readLockFile(t, dir)
	if doc.Files["a.txt"].Status != StatusInProgress {
		t.Errorf("status after FlushDeferred = %q, want in_progress", doc.Files["a.txt"].Status)
	}
}

func TestLoadAndReconcile_NoPriorLock(t *testing.T) {
	dir := t.TempDir()
	files := []FileDescriptor{{RelativePath: "a.txt", Size: 100, Offset: 0}}

	_, results, err := LoadAndReconcile(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("LoadAndReconcile() error = %v", err)
	}
	if len(results) != 1 || results[0].ResumeBytes != 0 || results[0].Skip {
		t.Errorf("results = %+v, want fresh single entry", results)
	}
}

func TestLoadAndReconcile_CompletedIsSkipped(t *testing.T) {
	dir := t.TempDir()
	files := []FileDescriptor{{RelativePath: "a.txt", Size: 100, Offset: 0}}

	lm, err := NewLockManager(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}
	if err := lm.UpdateFileStatus("a.txt", StatusCompleted, 100, "hash1"); err != nil {
		t.Fatalf("UpdateFileStatus() error = %v", err)
	}

	_, results, err := LoadAndReconcile(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("LoadAndReconcile() error = %v", err)
	}
	if len(results) != 1 || !results[0].Skip {
		t.Errorf("results = %+v, want skip=true", results)
	}
}

func TestLoadAndReconcile_InProgressResumes(t *testing.T) {
	dir := t.TempDir()
	files := []FileDescriptor{{RelativePath: "a.txt", Size: 1000, Offset: 0}}

	lm, err := NewLockManager(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}
	if err := lm.UpdateFileStatus("a.txt", StatusInProgress, 400, ""); err != nil {
		t.Fatalf("UpdateFileStatus() error = %v", err)
	}
	if err := lm.FlushDeferred(); err != nil {
		t.Fatalf("FlushDeferred() error = %v", err)
	}

	_, results, err := LoadAndReconcile(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("LoadAndReconcile() error = %v", err)
	}
	if len(results) != 1 || results[0].ResumeBytes != 400 {
		t.Errorf("results = %+v, want ResumeBytes=400", results)
	}
}

func TestLoadAndReconcile_SizeMismatchIsFresh(t *testing.T) {
	dir := t.TempDir()
	original := []FileDescriptor{{RelativePath: "a.txt", Size: 1000, Offset: 0}}

	lm, err := NewLockManager(dir, "100.64.0.1", original)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}
	if err := lm.UpdateFileStatus("a.txt", StatusInProgress, 400, ""); err != nil {
		t.Fatalf("UpdateFileStatus() error = %v", err)
	}
	if err := lm.FlushDeferred(); err != nil {
		t.Fatalf("FlushDeferred() error = %v", err)
	}

	changed := []FileDescriptor{{RelativePath: "a.txt", Size: 2000, Offset: 0}}
	_, results, err := LoadAndReconcile(dir, "100.64.0.1", changed)
	if err != nil {
		t.Fatalf("LoadAndReconcile() error = %v", err)
	}
	if len(results) != 1 || results[0].ResumeBytes != 0 || results[0].Skip {
		t.Errorf("results = %+v, want fresh entry on size mismatch", results)
	}
}

func TestLoadAndReconcile_StaleLockIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	files := []FileDescriptor{{RelativePath: "a.txt", Size: 100, Offset: 0}}

	lm, err := NewLockManager(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}
	_ = lm

	oldTime := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, LockFileName), oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	_, results, err := LoadAndReconcile(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("LoadAndReconcile() error = %v", err)
	}
	if len(results) != 1 || results[0].Skip {
		t.Errorf("results = %+v, want fresh entries after stale lock discarded", results)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	files := []FileDescriptor{{RelativePath: "a.txt", Size: 100, Offset: 0}}

	lm, err := NewLockManager(dir, "100.64.0.1", files)
	if err != nil {
		t.Fatalf("NewLockManager() error = %v", err)
	}

	if err := lm.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file still exists after Remove()")
	}
}

func readLockFile(t *testing.T, dir string) LockDocument {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var doc LockDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return doc
}
