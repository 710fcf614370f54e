package xfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"

	"github.com/arnvale/meshxfer/internal/filetransfer"
	"github.com/arnvale/meshxfer/internal/xfererr"
)

const fsyncInterval = 10 * 1024 * 1024

// writer is the lazy per-file destination created on first byte destined
// for it. Fields mirror the spec's writer model directly.
type writer struct {
	relPath     string
	finalPath   string
	partPath    string
	offset      int64
	size        int64
	written     int64
	hasher      hash.Hash
	file        *os.File
	complete    bool
	needsRehash bool
	sinceFsync  int64
}

// writerIndex holds the offset-sorted file list and lazily-created
// writers for one receive session.
type writerIndex struct {
	outputDir    string
	descriptors  []FileDescriptor
	resumeBytes  map[string]int64
	writers      map[string]*writer
	renamePolicy string
	lockMgr      *filetransfer.LockManager
}

func newWriterIndex(outputDir string, descriptors []FileDescriptor, resumeBytes map[string]int64, renamePolicy string, lockMgr *filetransfer.LockManager) *writerIndex {
	sorted := make([]FileDescriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	return &writerIndex{
		outputDir:    outputDir,
		descriptors:  sorted,
		resumeBytes:  resumeBytes,
		writers:      make(map[string]*writer),
		renamePolicy: renamePolicy,
		lockMgr:      lockMgr,
	}
}

// lookup finds, by binary search, the file descriptor whose byte range
// contains stream position p. Returns ok=false if no descriptor claims p,
// which indicates a protocol anomaly given correct metadata.
func (wi *writerIndex) lookup(p int64) (FileDescriptor, bool) {
	descs := wi.descriptors
	i := sort.Search(len(descs), func(i int) bool { return descs[i].Offset > p })
	if i == 0 {
		return FileDescriptor{}, false
	}
	d := descs[i-1]
	if p < d.Offset+d.Size {
		return d, true
	}
	return FileDescriptor{}, false
}

// writerFor returns the writer for a descriptor, creating and opening it
// lazily on first use, applying the resume rules from §4.7. The part file
// stays open until finalize rather than being reopened per chunk: a block
// only ever spans the handful of files it covers, so the descriptor count
// this holds open is already bounded well under the fd budget.
func (wi *writerIndex) writerFor(d FileDescriptor) (*writer, error) {
	if w, ok := wi.writers[d.RelativePath]; ok {
		return w, nil
	}

	finalPath := filepath.Join(wi.outputDir, filepath.FromSlash(d.RelativePath))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, xfererr.New(xfererr.KindIOError, "create parent dir for "+d.RelativePath, err)
	}
	partPath := finalPath + ".part"

	w := &writer{
		relPath:   d.RelativePath,
		finalPath: finalPath,
		partPath:  partPath,
		offset:    d.Offset,
		size:      d.Size,
		hasher:    sha256.New(),
	}

	resume := wi.resumeBytes[d.RelativePath]

	switch {
	case resume >= d.Size && d.Size > 0:
		w.written = d.Size
		w.complete = true
		if existing, err := os.ReadFile(partPath); err == nil {
			w.hasher.Write(existing)
		}

	case resume > 0:
		info, err := os.Stat(partPath)
		if err == nil && info.Size() == resume {
			f, err := os.OpenFile(partPath, os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, xfererr.New(xfererr.KindIOError, "reopen part file for "+d.RelativePath, err)
			}
			w.file = f
			w.written = resume
			w.needsRehash = true
		} else {
			f, err := os.Create(partPath)
			if err != nil {
				return nil, xfererr.New(xfererr.KindIOError, "create part file for "+d.RelativePath, err)
			}
			w.file = f
		}

	default:
		f, err := os.Create(partPath)
		if err != nil {
			return nil, xfererr.New(xfererr.KindIOError, "create part file for "+d.RelativePath, err)
		}
		w.file = f
	}

	wi.writers[d.RelativePath] = w
	return w, nil
}

// writeChunk appends up to size-written bytes of data to w, updating the
// hash and written counter, and returns how many bytes were consumed.
func (w *writer) writeChunk(data []byte) (int, error) {
	if w.complete {
		return 0, nil
	}

	if w.needsRehash {
		if err := w.rehashExisting(); err != nil {
			return 0, err
		}
	}

	n := int64(len(data))
	if remaining := w.size - w.written; n > remaining {
		n = remaining
	}
	if n <= 0 {
		return 0, nil
	}

	if _, err := w.file.Write(data[:n]); err != nil {
		return 0, xfererr.New(xfererr.KindIOError, "write "+w.relPath, err)
	}
	w.hasher.Write(data[:n])
	w.written += n
	w.sinceFsync += n

	if w.sinceFsync >= fsyncInterval {
		_ = w.file.Sync()
		w.sinceFsync = 0
	}

	if w.written == w.size {
		if err := w.finalize(); err != nil {
			return int(n), err
		}
	}

	return int(n), nil
}

// rehashExisting reads the resumed bytes back off disk once, to seed the
// hasher with the content written before a crash, deferred until the
// first write after resume to avoid paying the cost for files that never
// receive another byte.
func (w *writer) rehashExisting() error {
	existing, err := os.ReadFile(w.partPath)
	if err != nil {
		return xfererr.New(xfererr.KindIOError, "rehash "+w.relPath, err)
	}
	w.hasher = sha256.New()
	w.hasher.Write(existing)
	w.needsRehash = false
	return nil
}

// finalize syncs and closes the part file and marks the writer complete.
// It does not rename anything; commit moves the part file to its final
// path after hash verification.
func (w *writer) finalize() error {
	if w.complete {
		return nil
	}

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return xfererr.New(xfererr.KindIOError, "sync "+w.relPath, err)
		}
		if err := w.file.Close(); err != nil {
			return xfererr.New(xfererr.KindIOError, "close "+w.relPath, err)
		}
		w.file = nil
	}

	w.complete = true
	return nil
}

// commit renames the part file to its final destination, applying the
// rename-on-conflict policy. Call after hash verification succeeds.
func (w *writer) commit(renamePolicy string) error {
	target := w.finalPath

	if _, err := os.Stat(target); err == nil {
		if renamePolicy == "rename" {
			target = conflictFreeName(target)
		}
		// renamePolicy == "overwrite" falls through and replaces target.
	}

	if err := os.Rename(w.partPath, target); err != nil {
		return xfererr.New(xfererr.KindIOError, "finalize "+w.relPath, err)
	}
	return nil
}

func conflictFreeName(path string) string {
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// hashHex returns the lowercase hex-encoded SHA-256 of everything written
// so far.
func (w *writer) hashHex() string {
	return hex.EncodeToString(w.hasher.Sum(nil))
}

// reset truncates a failed writer back to empty for a retry attempt.
func (w *writer) reset() error {
	w.complete = false
	w.needsRehash = false
	w.written = 0
	w.hasher = sha256.New()
	w.sinceFsync = 0

	f, err := os.Create(w.partPath)
	if err != nil {
		return xfererr.New(xfererr.KindIOError, "reset "+w.relPath, err)
	}
	w.file = f
	return nil
}
