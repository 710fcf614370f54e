//go:build windows

package filetransfer

import "log/slog"

// WarnIfFileCountExceedsRlimit is a no-op on Windows: there is no
// RLIMIT_NOFILE-style soft cap on open handles to check against.
func WarnIfFileCountExceedsRlimit(fileCount int, logger *slog.Logger) {}
