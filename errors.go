package squashfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrInvalidVersion is returned when the SquashFS version is not 4.0
	// This library only supports SquashFS 4.0 format
	ErrInvalidVersion = errors.New("invalid file version, expected squashfs 4.0")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the export table
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth
	// This prevents infinite loops in symlink resolution
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")
)

// ErrorKind classifies a FormatError so callers can react to a class of
// failure instead of parsing a message.
type ErrorKind int

const (
	// InputFormat: the tar stream itself is malformed.
	InputFormat ErrorKind = iota
	// UnsupportedFeature: a record type or xattr prefix this encoder cannot represent.
	UnsupportedFeature
	// TreeConstraint: a duplicate path, a cycle, or a path escaping the root.
	TreeConstraint
	// Compression: a compressor plugin refused its input.
	Compression
	// Io: a read from stdin or a write to the sink failed.
	Io
	// Resource: allocation failure or a closed queue.
	Resource
	// Internal: an invariant was violated; always a bug in this package.
	Internal
)

func (k ErrorKind) String() string {
	switch k {
	case InputFormat:
		return "InputFormat"
	case UnsupportedFeature:
		return "UnsupportedFeature"
	case TreeConstraint:
		return "TreeConstraint"
	case Compression:
		return "Compression"
	case Io:
		return "Io"
	case Resource:
		return "Resource"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// FormatError is the single error sum type used throughout the writer side
// of this package (spec §7). Callers match on Kind rather than on message
// text or numeric codes.
type FormatError struct {
	Kind ErrorKind
	Path string // file path the error applies to, if any
	Err  error  // wrapped cause, if any
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		if e.Err == nil {
			return e.Kind.String()
		}
		return e.Kind.String() + ": " + e.Err.Error()
	}
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Path
	}
	return e.Kind.String() + ": " + e.Path + ": " + e.Err.Error()
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// NewError builds a FormatError of the given kind wrapping err, naming path.
func NewError(kind ErrorKind, path string, err error) *FormatError {
	return &FormatError{Kind: kind, Path: path, Err: err}
}

// IsKind reports whether err is a *FormatError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
