package elfimage

import "errors"

// LoadError is the sentinel family for C1 load failures (spec.md §4.1).
var (
	ErrNotElf             = errors.New("elfimage: not an ELF file")
	ErrUnsupportedClass   = errors.New("elfimage: unsupported ELF class (want ELFCLASS64)")
	ErrUnsupportedEndian  = errors.New("elfimage: unsupported endianness (want little-endian)")
	ErrUnsupportedMachine = errors.New("elfimage: unsupported machine (want EM_AARCH64)")
	ErrTableOutOfBounds   = errors.New("elfimage: table offset/size exceeds file bounds")
)
