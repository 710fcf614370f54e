// Package xfer implements the sender and receiver cores of a meshxfer
// session: handshake and authentication, stream layout and metadata,
// chunked compression, and the integrity and retry engine, all running
// over one internal/frame.Conn.
package xfer

import (
	"encoding/json"
	"fmt"
)

// FileDescriptor is one entry in Batch Metadata.
type FileDescriptor struct {
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	Offset       int64  `json:"offset"`
}

// BatchMetadata is sent once by the sender immediately after
// authentication.
type BatchMetadata struct {
	Kind       string           `json:"kind"`
	FileCount  int              `json:"file_count"`
	TotalSize  int64            `json:"total_size"`
	Compressed bool             `json:"compressed"`
	Compressor string           `json:"compressor"`
	Files      []FileDescriptor `json:"files"`
}

// Validate checks the invariants the receiver must enforce before
// accepting a BatchMetadata record: correct kind, monotonic offsets
// consistent with sizes, and no duplicate relative paths.
func (m *BatchMetadata) Validate() error {
	if m.Kind != "stream" {
		return fmt.Errorf("unexpected batch metadata kind %q", m.Kind)
	}
	if m.FileCount != len(m.Files) {
		return fmt.Errorf("file_count %d does not match files length %d", m.FileCount, len(m.Files))
	}

	seen := make(map[string]struct{}, len(m.Files))
	var expectedOffset int64
	var totalSize int64

	for _, f := range m.Files {
		if _, dup := seen[f.RelativePath]; dup {
			return fmt.Errorf("duplicate relative path %q", f.RelativePath)
		}
		seen[f.RelativePath] = struct{}{}

		if f.Offset != expectedOffset {
			return fmt.Errorf("file %q offset %d does not match expected %d", f.RelativePath, f.Offset, expectedOffset)
		}
		expectedOffset += f.Size
		totalSize += f.Size
	}

	if totalSize != m.TotalSize {
		return fmt.Errorf("total_size %d does not match sum of file sizes %d", m.TotalSize, totalSize)
	}

	return nil
}

// HashMapRecord is the final data record before the end marker: every
// file's SHA-256, keyed by relative path.
type HashMapRecord map[string]string

// ResendRequest is the receiver→sender record layout for a mid-stream
// resend. Neither side sends or reads it: on a stall the receiver only
// logs, and recovery is abort-and-resume via the lock file.
type ResendRequest struct {
	Type           string  `json:"type"`
	StreamPosition int64   `json:"stream_position"`
	Timestamp      float64 `json:"timestamp"`
	RetryCount     uint    `json:"retry_count"`
}

// RetryRequest is sent receiver→sender after hash verification, naming
// the files that failed.
type RetryRequest struct {
	Type        string   `json:"type"`
	FailedFiles []string `json:"failed_files"`
	Attempt     uint     `json:"attempt"`
}

// CompletionSignal is sent receiver→sender after a successful transfer.
type CompletionSignal struct {
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	CompletionTime float64 `json:"completion_time"`
}

// controlEnvelope is used only to sniff the "type" field of an incoming
// JSON control record without fully decoding it, to decide whether a
// post-stream record is a RetryRequest or a CompletionSignal (which has no
// "type" field).
type controlEnvelope struct {
	Type string `json:"type"`
}

func peekControlType(data []byte) (string, error) {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
