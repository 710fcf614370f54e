package xfer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/arnvale/meshxfer/internal/config"
	"github.com/arnvale/meshxfer/internal/filetransfer"
	"github.com/arnvale/meshxfer/internal/logging"
	"github.com/arnvale/meshxfer/internal/metrics"
	"github.com/arnvale/meshxfer/internal/monitor"
	"github.com/arnvale/meshxfer/internal/safepath"
	"github.com/arnvale/meshxfer/internal/xfererr"
)

// ReceiveOptions configures one receive operation.
type ReceiveOptions struct {
	Token      string
	OutputDir  string
	SenderIP   string
	Config     config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Registry
}

// Receive runs the full receiver flow over nc: handshake, metadata
// validation, lock reconciliation, READY, chunked stream demultiplexing,
// hash verification with the retry engine, and the completion signal.
func Receive(nc net.Conn, opts ReceiveOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	sess, err := ReceiverHandshake(nc, opts.Token)
	if err != nil {
		return err
	}
	defer sess.Close()

	var meta BatchMetadata
	if err := readEncryptedJSON(sess, &meta); err != nil {
		return err
	}
	if err := meta.Validate(); err != nil {
		return xfererr.New(xfererr.KindProtocolError, "validate batch metadata", err)
	}

	descriptors := make([]FileDescriptor, 0, len(meta.Files))
	for _, f := range meta.Files {
		clean, err := safepath.Validate(f.RelativePath)
		if err != nil {
			return xfererr.New(xfererr.KindUnsafePath, f.RelativePath, err)
		}
		f.RelativePath = clean
		descriptors = append(descriptors, f)
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return xfererr.New(xfererr.KindIOError, "create output directory", err)
	}

	filetransfer.WarnIfFileCountExceedsRlimit(len(descriptors), logger)

	lockFiles := make([]filetransfer.FileDescriptor, len(descriptors))
	for i, d := range descriptors {
		lockFiles[i] = filetransfer.FileDescriptor{RelativePath: d.RelativePath, Size: d.Size, Offset: d.Offset}
	}

	lockMgr, reconciled, err := filetransfer.LoadAndReconcile(opts.OutputDir, opts.SenderIP, lockFiles)
	if err != nil {
		return fmt.Errorf("lock reconciliation: %w", err)
	}

	resumeBytes := make(map[string]int64, len(reconciled))
	skipped := make(map[string]bool, len(reconciled))
	for _, r := range reconciled {
		resumeBytes[r.RelativePath] = r.ResumeBytes
		skipped[r.RelativePath] = r.Skip
	}

	wi := newWriterIndex(opts.OutputDir, descriptors, resumeBytes, opts.Config.Resume.RenamePolicy, lockMgr)

	if err := sess.Conn.WritePlaintext([]byte("READY")); err != nil {
		return err
	}

	logger.Info("sent READY, awaiting stream", logging.KeyFileCount, len(descriptors))

	// The monitor's own stall escalation (§9) is log-only here: this
	// implementation relies on abort-and-resume via the lock file rather
	// than in-band resend reinjection, so an unrecoverable stall just
	// closes the connection and lets the next run pick up from the lock.
	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	mon := monitor.New(meta.TotalSize, true, func(streamPosition int64, retryCount int) error {
		logger.Warn("stream stalled", logging.KeyStreamPosition, streamPosition, logging.KeyRetryCount, retryCount)
		if opts.Metrics != nil {
			opts.Metrics.Stalls.Inc()
		}
		return nil
	})
	go func() {
		if err := mon.Run(monCtx); err != nil {
			logger.Error("transfer stalled past recovery, aborting", logging.KeyError, err)
			_ = nc.Close()
		}
	}()

	if err := receiveStream(sess, wi, meta.TotalSize, meta.Compressed, opts.Config.Transfer, lockMgr, mon, logger, opts.Metrics); err != nil {
		return err
	}

	var senderHashes HashMapRecord
	if err := readEncryptedJSON(sess, &senderHashes); err != nil {
		return err
	}
	if _, _, ok, err := sess.Conn.ReadRecord(); err != nil {
		return err
	} else if ok {
		return xfererr.New(xfererr.KindProtocolError, "await end marker", fmt.Errorf("expected end marker, got a data record"))
	}

	if err := verifyAndRetry(sess, wi, descriptors, senderHashes, skipped, meta.Compressed, opts.Config.Transfer, opts.Config.Resume.RenamePolicy, lockMgr, mon, logger, opts.Metrics, 1); err != nil {
		return err
	}

	completion := CompletionSignal{
		Status:         "completed",
		Message:        "transfer completed successfully",
		CompletionTime: float64(time.Now().Unix()),
	}
	if err := writeEncryptedJSON(sess, &completion); err != nil {
		logger.Warn("failed to deliver completion signal", logging.KeyError, err)
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}

	if err := lockMgr.Remove(); err != nil {
		logger.Warn("failed to remove lock file", logging.KeyError, err)
	}

	return nil
}

// receiveStream reads blocks until totalSize decompressed bytes have been
// received, dispatching each block's bytes to the writers its stream
// range spans. It relies exclusively on the received-byte-count
// invariant to know when the stream ends, never on speculative parsing
// of block contents.
func receiveStream(sess *Session, wi *writerIndex, totalSize int64, compressed bool, cfg config.TransferConfig, lockMgr *filetransfer.LockManager, mon *monitor.Monitor, logger *slog.Logger, reg *metrics.Registry) error {
	var streamPosition int64
	decompressBuf := make([]byte, cfg.BlockSizeBytes+4096)

	for streamPosition < totalSize {
		nonceBytes, ct, ok, err := sess.Conn.ReadRecord()
		if err != nil {
			return err
		}
		if !ok {
			return xfererr.New(xfererr.KindProtocolError, "receive stream", fmt.Errorf("end marker before total_size reached (%d/%d)", streamPosition, totalSize))
		}
		nonce, err := toNonceArray(nonceBytes)
		if err != nil {
			return xfererr.New(xfererr.KindProtocolError, "parse block nonce", err)
		}
		plaintext, err := sess.Key.Decrypt(nonce, ct)
		if err != nil {
			return xfererr.New(xfererr.KindAuthFailure, "decrypt block", err)
		}

		block := plaintext
		if compressed {
			n, err := lz4.UncompressBlock(plaintext, decompressBuf)
			if err != nil {
				return xfererr.New(xfererr.KindProtocolError, "lz4 decompress block", err)
			}
			block = decompressBuf[:n]
		}

		if reg != nil {
			reg.BlocksSent.Inc()
			reg.BytesTransferred.Add(float64(len(block)))
		}

		if err := dispatchBlock(wi, streamPosition, block, lockMgr); err != nil {
			return err
		}
		streamPosition += int64(len(block))
		if mon != nil {
			mon.Update(streamPosition, streamPosition, "", 0)
		}
	}

	logger.Debug("stream demultiplexed", logging.KeyBytesTotal, totalSize)
	return nil
}

// dispatchBlock writes block's bytes into every writer whose range it
// overlaps, which may be more than one file when a block spans a
// boundary.
func dispatchBlock(wi *writerIndex, streamPosition int64, block []byte, lockMgr *filetransfer.LockManager) error {
	pos := streamPosition
	remaining := block

	for len(remaining) > 0 {
		d, ok := wi.lookup(pos)
		if !ok {
			// No writer claims these bytes: a protocol anomaly given
			// correct metadata. Drop them rather than crash, and let
			// post-stream hash verification surface the resulting
			// mismatch.
			return nil
		}

		w, err := wi.writerFor(d)
		if err != nil {
			return err
		}

		offsetIntoFile := pos - d.Offset
		sliceLen := int64(len(remaining))
		if maxLen := d.Size - offsetIntoFile; sliceLen > maxLen {
			sliceLen = maxLen
		}
		if sliceLen <= 0 {
			pos += int64(len(remaining))
			break
		}

		// Bytes below w.written are already in a resumed .part file; step
		// over them instead of appending them a second time.
		if done := w.written - offsetIntoFile; done > 0 {
			if done > sliceLen {
				done = sliceLen
			}
			pos += done
			remaining = remaining[done:]
			continue
		}

		n, err := w.writeChunk(remaining[:sliceLen])
		if err != nil {
			return err
		}

		status := filetransfer.StatusInProgress
		if w.complete {
			status = filetransfer.StatusCompleted
		}
		if updateErr := lockMgr.UpdateFileStatus(d.RelativePath, status, w.written, ""); updateErr != nil {
			return fmt.Errorf("update lock status for %s: %w", d.RelativePath, updateErr)
		}

		pos += int64(n)
		remaining = remaining[n:]
	}

	return nil
}

// verifyAndRetry compares each writer's hash against the sender's hash
// map, drives the retry engine up to 3 total attempts, and leaves
// surviving failures for human inspection.
func verifyAndRetry(sess *Session, wi *writerIndex, descriptors []FileDescriptor, senderHashes HashMapRecord, skipped map[string]bool, compressed bool, cfg config.TransferConfig, renamePolicy string, lockMgr *filetransfer.LockManager, mon *monitor.Monitor, logger *slog.Logger, reg *metrics.Registry, attempt uint) error {
	var failedFiles []string

	for _, d := range descriptors {
		if skipped[d.RelativePath] {
			continue
		}
		w, ok := wi.writers[d.RelativePath]
		if !ok {
			// Zero-byte files never have any stream bytes routed to
			// them, so create the (empty) writer now so it still gets
			// written and verified.
			var err error
			w, err = wi.writerFor(d)
			if err != nil {
				return err
			}
		}
		if err := w.finalize(); err != nil {
			return err
		}

		expected := senderHashes[d.RelativePath]
		got := w.hashHex()
		if expected != got {
			failedFiles = append(failedFiles, d.RelativePath)
			continue
		}

		if err := w.commit(renamePolicy); err != nil {
			return err
		}
		// A committed file is left out of later verification passes.
		skipped[d.RelativePath] = true
		if reg != nil {
			reg.FilesCompleted.Inc()
		}
		if err := lockMgr.UpdateFileStatus(d.RelativePath, filetransfer.StatusCompleted, d.Size, got); err != nil {
			logger.Warn("failed to record completion", logging.KeyError, err)
		}
	}

	if len(failedFiles) == 0 {
		return nil
	}

	if attempt >= 3 {
		for _, name := range failedFiles {
			_ = lockMgr.UpdateFileStatus(name, filetransfer.StatusFailed, 0, "")
		}
		if reg != nil {
			reg.FilesFailed.Add(float64(len(failedFiles)))
		}
		return xfererr.New(xfererr.KindHashMismatch, fmt.Sprintf("%d file(s) failed verification after 3 attempts", len(failedFiles)), nil)
	}

	if reg != nil {
		reg.RetryAttempts.Inc()
	}
	logger.Warn("hash mismatch, requesting retry", "failed_files", failedFiles, "attempt", attempt)

	retryReq := RetryRequest{Type: "retry_request", FailedFiles: failedFiles, Attempt: attempt}
	if err := writeEncryptedJSON(sess, &retryReq); err != nil {
		return err
	}

	retryDescriptors := make([]FileDescriptor, 0, len(failedFiles))
	byName := make(map[string]FileDescriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.RelativePath] = d
	}
	for _, name := range failedFiles {
		d := byName[name]
		retryDescriptors = append(retryDescriptors, d)
		if w, ok := wi.writers[name]; ok {
			if err := w.reset(); err != nil {
				return err
			}
		}
	}

	retryWi := newWriterIndex(wi.outputDir, rebaseOffsets(retryDescriptors), map[string]int64{}, renamePolicy, lockMgr)
	for _, d := range retryDescriptors {
		retryWi.writers[d.RelativePath] = wi.writers[d.RelativePath]
	}

	var retryTotal int64
	for _, d := range retryDescriptors {
		retryTotal += d.Size
	}

	if err := receiveStream(sess, retryWi, retryTotal, compressed, cfg, lockMgr, mon, logger, reg); err != nil {
		return err
	}

	var retryHashes HashMapRecord
	if err := readEncryptedJSON(sess, &retryHashes); err != nil {
		return err
	}
	if _, _, ok, err := sess.Conn.ReadRecord(); err != nil {
		return err
	} else if ok {
		return xfererr.New(xfererr.KindProtocolError, "await retry end marker", fmt.Errorf("expected end marker"))
	}
	for k, v := range retryHashes {
		senderHashes[k] = v
	}

	return verifyAndRetry(sess, wi, descriptors, senderHashes, skipped, compressed, cfg, renamePolicy, lockMgr, mon, logger, reg, attempt+1)
}

// rebaseOffsets recomputes cumulative offsets for a subset of
// descriptors so they form a contiguous 0-based sub-stream, matching how
// the sender re-streams only the failed files in order.
func rebaseOffsets(descs []FileDescriptor) []FileDescriptor {
	out := make([]FileDescriptor, len(descs))
	var offset int64
	for i, d := range descs {
		out[i] = FileDescriptor{RelativePath: d.RelativePath, Size: d.Size, Offset: offset}
		offset += d.Size
	}
	return out
}
