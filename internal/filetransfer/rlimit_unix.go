//go:build !windows

package filetransfer

import (
	"fmt"
	"log/slog"
	"syscall"
)

// fdBudgetHeadroom is the fraction of the soft RLIMIT_NOFILE a transfer is
// allowed to approach before WarnIfFileCountExceedsRlimit logs a warning.
const fdBudgetHeadroom = 0.8

// WarnIfFileCountExceedsRlimit checks fileCount against the process's soft
// RLIMIT_NOFILE and logs a warning when the transfer's lazy writers/readers
// would approach it. It never returns an error: the transfer can still
// proceed (the lazy writer pool closes descriptors as blocks move on to the
// next file), this is advance notice for the operator, not an admission gate.
func WarnIfFileCountExceedsRlimit(fileCount int, logger *slog.Logger) {
	if logger == nil || fileCount <= 0 {
		return
	}

	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		logger.Debug("could not read RLIMIT_NOFILE", "error", err)
		return
	}

	threshold := int(float64(limit.Cur) * fdBudgetHeadroom)
	if fileCount >= threshold {
		logger.Warn("file count approaches the open-file soft limit",
			"file_count", fileCount,
			"rlimit_nofile_soft", limit.Cur,
			"hint", fmt.Sprintf("raise the soft limit (ulimit -n) above %d before transferring", fileCount),
		)
	}
}
