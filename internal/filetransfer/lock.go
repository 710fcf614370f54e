package filetransfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockFileName is the fixed name of the consolidated lock document,
// written directly under the receiver's output directory.
const LockFileName = ".transfer_lock.json"

// lockMaxAge is how old a lock file can be before reconciliation discards
// it rather than trying to resume from it.
const lockMaxAge = 24 * time.Hour

// flushInterval, flushMaxBuffered and compactThreshold tune the batching
// policy described in the lock manager design: flush on whichever of
// these triggers first, to avoid O(N^2) I/O on transfers with many files.
const (
	flushInterval    = 2 * time.Second
	flushMaxBuffered = 150
	compactThreshold = 1000
)

// FileStatus is the per-file state recorded in the lock document.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusInProgress FileStatus = "in_progress"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
)

// FileEntry is one file's record within the lock document.
type FileEntry struct {
	Status           FileStatus `json:"status"`
	Size             int64      `json:"size"`
	TransferredBytes int64      `json:"transferred_bytes"`
	OriginalHash     string     `json:"original_hash,omitempty"`
	PartialHash      string     `json:"partial_hash,omitempty"`
	LastModified     string     `json:"last_modified,omitempty"`
}

// LockDocument is the full on-disk schema at <output>/.transfer_lock.json.
type LockDocument struct {
	Version    string               `json:"version"`
	SessionID  string               `json:"session_id"`
	Timestamp  string               `json:"timestamp"`
	SenderIP   string               `json:"sender_ip"`
	TotalFiles int                  `json:"total_files"`
	TotalSize  int64                `json:"total_size"`
	Files      map[string]FileEntry `json:"files"`
}

// LockManager owns the lock document for one receive session: buffered
// updates, periodic or threshold-triggered flushes, and atomic writes.
type LockManager struct {
	path string

	mu       sync.Mutex
	doc      LockDocument
	dirty    map[string]struct{}
	lastFlush time.Time
	deferring bool
}

// NewLockManager creates a manager for a fresh session with no prior lock
// document, recording every incoming file as pending.
func NewLockManager(outputDir, senderIP string, files []FileDescriptor) (*LockManager, error) {
	doc := LockDocument{
		Version:    "1.0",
		SessionID:  uuid.NewString(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		SenderIP:   senderIP,
		TotalFiles: len(files),
		Files:      make(map[string]FileEntry, len(files)),
	}
	for _, f := range files {
		doc.TotalSize += f.Size
		doc.Files[f.RelativePath] = FileEntry{Status: StatusPending, Size: f.Size}
	}

	lm := &LockManager{
		path:      filepath.Join(outputDir, LockFileName),
		doc:       doc,
		dirty:     make(map[string]struct{}),
		lastFlush: time.Now(),
	}
	return lm, lm.flushLocked()
}

// FileDescriptor mirrors the wire File Descriptor; defined here to avoid a
// circular import with the xfer package, which depends on filetransfer.
type FileDescriptor struct {
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	Offset       int64  `json:"offset"`
}

// ReconcileResult describes how one incoming file relates to an existing
// lock entry, per the receiver start-up reconciliation rules.
type ReconcileResult struct {
	RelativePath string
	ResumeBytes  int64
	Skip         bool // already completed; adopt as complete without transfer
}

// LoadAndReconcile attempts to load an existing lock file at outputDir and
// reconcile it against the incoming file list. If no usable lock file
// exists (missing, invalid, or older than 24h), it is deleted if present
// and a fresh LockManager is created recording every file as pending.
func LoadAndReconcile(outputDir, senderIP string, files []FileDescriptor) (*LockManager, []ReconcileResult, error) {
	path := filepath.Join(outputDir, LockFileName)

	existing, err := loadLockDocument(path)
	if err != nil || existing == nil {
		lm, createErr := NewLockManager(outputDir, senderIP, files)
		if createErr != nil {
			return nil, nil, createErr
		}
		results := make([]ReconcileResult, len(files))
		for i, f := range files {
			results[i] = ReconcileResult{RelativePath: f.RelativePath}
		}
		return lm, results, nil
	}

	lm := &LockManager{
		path:      path,
		doc:       *existing,
		dirty:     make(map[string]struct{}),
		lastFlush: time.Now(),
	}
	lm.doc.SessionID = uuid.NewString()
	lm.doc.Timestamp = time.Now().UTC().Format(time.RFC3339)
	lm.doc.SenderIP = senderIP
	lm.doc.TotalFiles = len(files)

	newFiles := make(map[string]FileEntry, len(files))
	results := make([]ReconcileResult, len(files))
	var totalSize int64

	for i, f := range files {
		totalSize += f.Size
		prior, had := existing.Files[f.RelativePath]

		switch {
		case !had:
			newFiles[f.RelativePath] = FileEntry{Status: StatusPending, Size: f.Size}
			results[i] = ReconcileResult{RelativePath: f.RelativePath}
		case prior.Size != f.Size:
			newFiles[f.RelativePath] = FileEntry{Status: StatusPending, Size: f.Size}
			results[i] = ReconcileResult{RelativePath: f.RelativePath}
		case prior.Status == StatusCompleted:
			newFiles[f.RelativePath] = prior
			results[i] = ReconcileResult{RelativePath: f.RelativePath, Skip: true}
		case prior.Status == StatusInProgress && prior.TransferredBytes > 0:
			newFiles[f.RelativePath] = prior
			results[i] = ReconcileResult{RelativePath: f.RelativePath, ResumeBytes: prior.TransferredBytes}
		default:
			newFiles[f.RelativePath] = FileEntry{Status: StatusPending, Size: f.Size}
			results[i] = ReconcileResult{RelativePath: f.RelativePath}
		}
	}

	lm.doc.Files = newFiles
	lm.doc.TotalSize = totalSize

	if err := lm.flushLocked(); err != nil {
		return nil, nil, err
	}
	return lm, results, nil
}

func loadLockDocument(path string) (*LockDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil
	}
	if time.Since(info.ModTime()) > lockMaxAge {
		_ = os.Remove(path)
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil
	}

	var doc LockDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("invalid lock file, discarding: %w", err)
	}
	if doc.Files == nil {
		return nil, nil
	}
	return &doc, nil
}

// UpdateFileStatus buffers a status change for relPath and flushes if the
// batching policy's time, count, or terminal-kind trigger fires.
func (lm *LockManager) UpdateFileStatus(relPath string, status FileStatus, transferredBytes int64, hash string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry := lm.doc.Files[relPath]
	entry.Status = status
	entry.TransferredBytes = transferredBytes
	if hash != "" {
		if status == StatusCompleted {
			entry.OriginalHash = hash
		}
		entry.PartialHash = hash
	}
	lm.doc.Files[relPath] = entry
	lm.dirty[relPath] = struct{}{}

	terminal := status == StatusCompleted || status == StatusFailed

	if lm.deferring && !terminal {
		return nil
	}

	if terminal || len(lm.dirty) >= flushMaxBuffered || time.Since(lm.lastFlush) >= flushInterval {
		return lm.flushLocked()
	}
	return nil
}

// SetDeferring enables or disables defer mode. While deferring is true,
// only terminal-status updates trigger an immediate flush; everything
// else accumulates until FlushDeferred or a terminal update is seen.
func (lm *LockManager) SetDeferring(deferring bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.deferring = deferring
}

// FlushDeferred applies all pending buffered updates in one write,
// regardless of defer mode.
func (lm *LockManager) FlushDeferred() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked()
}

// Remove deletes the lock file, called after a successful completion
// signal.
func (lm *LockManager) Remove() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	err := os.Remove(lm.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (lm *LockManager) flushLocked() error {
	var data []byte
	var err error
	if len(lm.doc.Files) > compactThreshold {
		data, err = json.Marshal(lm.doc)
	} else {
		data, err = json.MarshalIndent(lm.doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal lock document: %w", err)
	}

	tmpPath := lm.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write lock tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, lm.path); err != nil {
		return fmt.Errorf("rename lock tmp file: %w", err)
	}

	lm.dirty = make(map[string]struct{})
	lm.lastFlush = time.Now()
	return nil
}
