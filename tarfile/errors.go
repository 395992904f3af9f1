package tarfile

import "github.com/sqfsgen/tar2sqfs"

// NewFormatError wraps a decode failure as an InputFormat *squashfs.FormatError
// (spec §7), the single error sum type shared across the whole tool so
// callers can match on Kind regardless of which package raised it.
func NewFormatError(err error) error {
	return squashfs.NewError(squashfs.InputFormat, "", err)
}
