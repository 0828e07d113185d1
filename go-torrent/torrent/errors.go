package torrent

import "github.com/pkg/errors"

// Error kinds. Concrete errors wrap one of these so callers can classify
// them with errors.Is.
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrHashMismatch      = errors.New("hash mismatch")
	ErrDisk              = errors.New("disk error")
	ErrConnection        = errors.New("connection error")
	ErrResourceExhausted = errors.New("resource exhausted")
)

func Violation(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProtocolViolation, format, args...)
}
