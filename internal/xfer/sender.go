package xfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/arnvale/meshxfer/internal/config"
	"github.com/arnvale/meshxfer/internal/discover"
	"github.com/arnvale/meshxfer/internal/filetransfer"
	"github.com/arnvale/meshxfer/internal/frame"
	"github.com/arnvale/meshxfer/internal/logging"
	"github.com/arnvale/meshxfer/internal/metrics"
	"github.com/arnvale/meshxfer/internal/xfererr"
)

// ReadyTimeout returns the adaptive READY wait per file count.
func ReadyTimeout(fileCount int) time.Duration {
	switch {
	case fileCount <= 1000:
		return 60 * time.Second
	case fileCount <= 10000:
		return 120 * time.Second
	default:
		return 180 * time.Second
	}
}

// CompletionTimeout bounds the sender's wait for a Completion Signal or
// Retry Request after the end marker.
const CompletionTimeout = 120 * time.Second

// SendOptions configures one send operation.
type SendOptions struct {
	Token             string
	Config            config.TransferConfig
	MaxBytesPerSecond int64
	Logger            *slog.Logger
	Metrics           *metrics.Registry
}

// Send runs the full sender flow over nc: handshake, metadata, READY
// wait, chunked stream, hash map, end marker, and the post-stream
// retry/completion dialog.
func Send(nc net.Conn, files []discover.File, opts SendOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	sess, err := SenderHandshake(nc, opts.Token)
	if err != nil {
		return err
	}
	defer sess.Close()

	descriptors := make([]FileDescriptor, len(files))
	var offset int64
	for i, f := range files {
		descriptors[i] = FileDescriptor{RelativePath: f.RelativePath, Size: f.Size, Offset: offset}
		offset += f.Size
	}

	compressor := "none"
	if opts.Config.Compress {
		compressor = "lz4"
	}

	meta := &BatchMetadata{
		Kind:       "stream",
		FileCount:  len(descriptors),
		TotalSize:  offset,
		Compressed: opts.Config.Compress,
		Compressor: compressor,
		Files:      descriptors,
	}

	if err := writeEncryptedJSON(sess, meta); err != nil {
		return err
	}

	if err := awaitReady(sess.Conn, len(files)); err != nil {
		return err
	}

	logger.Info("receiver ready, beginning stream", logging.KeyFileCount, len(files))

	hashes, err := streamFiles(sess, files, opts.Config, opts.MaxBytesPerSecond, logger, opts.Metrics)
	if err != nil {
		return err
	}

	if err := sendHashMapAndEnd(sess, hashes); err != nil {
		return err
	}

	return awaitCompletionOrRetry(sess, files, hashes, opts.Config, opts.MaxBytesPerSecond, logger, opts.Metrics, 1)
}

func writeEncryptedJSON(sess *Session, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return xfererr.New(xfererr.KindProtocolError, "marshal record", err)
	}
	nonce, ct, err := sess.Key.Encrypt(data)
	if err != nil {
		return xfererr.New(xfererr.KindProtocolError, "encrypt record", err)
	}
	return sess.Conn.WriteRecord(nonce[:], ct)
}

func readEncryptedJSON(sess *Session, v interface{}) error {
	nonceBytes, ct, ok, err := sess.Conn.ReadRecord()
	if err != nil {
		return err
	}
	if !ok {
		return xfererr.New(xfererr.KindProtocolError, "read record", fmt.Errorf("unexpected end marker"))
	}
	nonce, err := toNonceArray(nonceBytes)
	if err != nil {
		return xfererr.New(xfererr.KindProtocolError, "parse nonce", err)
	}
	plaintext, err := sess.Key.Decrypt(nonce, ct)
	if err != nil {
		return xfererr.New(xfererr.KindAuthFailure, "decrypt record", err)
	}
	return json.Unmarshal(plaintext, v)
}

func awaitReady(conn *frame.Conn, fileCount int) error {
	timeout := ReadyTimeout(fileCount)
	done := make(chan error, 1)
	go func() {
		msg, err := conn.ReadPlaintext()
		if err != nil {
			done <- err
			return
		}
		if string(msg) != "READY" {
			done <- xfererr.New(xfererr.KindProtocolError, "await READY", fmt.Errorf("unexpected message %q", msg))
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return xfererr.New(xfererr.KindHandshakeTimeout, "await READY", nil)
	}
}

// streamFiles reads every file in order, hashing and buffering into
// blocks of Config.BlockSizeBytes, optionally LZ4-compressing, and
// writes each block as one encrypted record. It returns the per-file
// SHA-256 hex digests. When maxBytesPerSecond is positive, file reads
// are throttled to that rate using a token-bucket limiter.
func streamFiles(sess *Session, files []discover.File, cfg config.TransferConfig, maxBytesPerSecond int64, logger *slog.Logger, reg *metrics.Registry) (HashMapRecord, error) {
	blockSize := cfg.BlockSizeBytes
	if blockSize <= 0 {
		blockSize = 1024 * 1024
	}
	readSlice := cfg.ReadSliceBytes
	if readSlice <= 0 {
		readSlice = 64 * 1024
	}

	hashes := make(HashMapRecord, len(files))
	buf := make([]byte, 0, blockSize*2)
	slice := make([]byte, readSlice)

	flush := func(final bool) error {
		for len(buf) >= blockSize || (final && len(buf) > 0) {
			n := blockSize
			if n > len(buf) {
				n = len(buf)
			}
			block := buf[:n]
			if err := writeBlock(sess, block, cfg.Compress); err != nil {
				return err
			}
			if reg != nil {
				reg.BlocksSent.Inc()
				reg.BytesTransferred.Add(float64(n))
			}
			buf = buf[n:]
			if !final {
				break
			}
		}
		return nil
	}

	for _, f := range files {
		file, err := os.Open(f.AbsPath)
		if err != nil {
			return nil, xfererr.New(xfererr.KindIOError, "open "+f.RelativePath, err)
		}

		limited := filetransfer.NewRateLimitedReader(context.Background(), file, maxBytesPerSecond)
		reader := filetransfer.NewCountingReader(limited)

		hasher := sha256.New()
		for {
			n, readErr := reader.Read(slice)
			if n > 0 {
				hasher.Write(slice[:n])
				buf = append(buf, slice[:n]...)
				if err := flush(false); err != nil {
					file.Close()
					return nil, err
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				file.Close()
				return nil, xfererr.New(xfererr.KindIOError, "read "+f.RelativePath, readErr)
			}
		}
		file.Close()

		logger.Debug("file streamed", logging.KeyRelativePath, f.RelativePath, logging.KeyBytesTransferred, reader.Count())
		hashes[f.RelativePath] = hex.EncodeToString(hasher.Sum(nil))
	}

	if err := flush(true); err != nil {
		return nil, err
	}

	logger.Debug("stream complete", logging.KeyFileCount, len(files))
	return hashes, nil
}

func writeBlock(sess *Session, block []byte, compress bool) error {
	payload := block
	if compress && len(block) > 0 {
		bound := lz4.CompressBlockBound(len(block))
		dst := make([]byte, bound)
		var c lz4.Compressor
		n, err := c.CompressBlock(block, dst)
		if err != nil {
			return xfererr.New(xfererr.KindProtocolError, "lz4 compress block", err)
		}
		payload = dst[:n]
	}

	nonce, ct, err := sess.Key.Encrypt(payload)
	if err != nil {
		return xfererr.New(xfererr.KindProtocolError, "encrypt block", err)
	}
	return sess.Conn.WriteRecord(nonce[:], ct)
}

func sendHashMapAndEnd(sess *Session, hashes HashMapRecord) error {
	if err := writeEncryptedJSON(sess, hashes); err != nil {
		return err
	}
	return sess.Conn.WriteEndMarker()
}

// awaitCompletionOrRetry waits for either a Completion Signal or a Retry
// Request after the end marker, driving up to 3 total attempts of the
// retry engine (§4.10) when hashes mismatch on the receiver side.
func awaitCompletionOrRetry(sess *Session, files []discover.File, hashes HashMapRecord, cfg config.TransferConfig, maxBytesPerSecond int64, logger *slog.Logger, reg *metrics.Registry, attempt uint) error {
	type next struct {
		completion *CompletionSignal
		retry      *RetryRequest
		err        error
	}

	result := make(chan next, 1)
	go func() {
		nonceBytes, ct, ok, err := sess.Conn.ReadRecord()
		if err != nil {
			result <- next{err: err}
			return
		}
		if !ok {
			result <- next{err: xfererr.New(xfererr.KindProtocolError, "await completion", fmt.Errorf("unexpected end marker"))}
			return
		}
		nonce, err := toNonceArray(nonceBytes)
		if err != nil {
			result <- next{err: xfererr.New(xfererr.KindProtocolError, "parse nonce", err)}
			return
		}
		plaintext, err := sess.Key.Decrypt(nonce, ct)
		if err != nil {
			result <- next{err: xfererr.New(xfererr.KindAuthFailure, "decrypt completion/retry", err)}
			return
		}

		kind, err := peekControlType(plaintext)
		if err != nil {
			result <- next{err: xfererr.New(xfererr.KindProtocolError, "parse control envelope", err)}
			return
		}

		switch kind {
		case "retry_request":
			var rr RetryRequest
			if err := json.Unmarshal(plaintext, &rr); err != nil {
				result <- next{err: xfererr.New(xfererr.KindProtocolError, "parse retry request", err)}
				return
			}
			result <- next{retry: &rr}
		default:
			var cs CompletionSignal
			if err := json.Unmarshal(plaintext, &cs); err != nil {
				result <- next{err: xfererr.New(xfererr.KindProtocolError, "parse completion signal", err)}
				return
			}
			result <- next{completion: &cs}
		}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			return r.err
		}
		if r.completion != nil {
			logger.Info("transfer completed", "message", r.completion.Message)
			return nil
		}

		if attempt >= 3 {
			return xfererr.New(xfererr.KindHashMismatch, "retry engine", fmt.Errorf("exceeded max retry attempts"))
		}

		if reg != nil {
			reg.RetryAttempts.Inc()
		}
		logger.Warn("receiver requested retry", "failed_files", r.retry.FailedFiles, "attempt", r.retry.Attempt)

		failed := selectFiles(files, r.retry.FailedFiles)
		retryHashes, err := streamFiles(sess, failed, cfg, maxBytesPerSecond, logger, reg)
		if err != nil {
			return err
		}
		if err := sendHashMapAndEnd(sess, retryHashes); err != nil {
			return err
		}
		return awaitCompletionOrRetry(sess, files, hashes, cfg, maxBytesPerSecond, logger, reg, attempt+1)

	case <-time.After(CompletionTimeout):
		return xfererr.New(xfererr.KindTransportClosed, "await completion", fmt.Errorf("timed out waiting for completion or retry"))
	}
}

func selectFiles(all []discover.File, names []string) []discover.File {
	byName := make(map[string]discover.File, len(all))
	for _, f := range all {
		byName[f.RelativePath] = f
	}
	out := make([]discover.File, 0, len(names))
	for _, n := range names {
		if f, ok := byName[n]; ok {
			out = append(out, f)
		}
	}
	return out
}
