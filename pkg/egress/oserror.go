package egress

import (
	"errors"
	"syscall"
)

// osErrorCode extracts the raw errno from a dial failure, if any, so the
// enclave side can see e.g. ECONNREFUSED instead of just a message string.
func osErrorCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}
