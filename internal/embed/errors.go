package embed

import "errors"

// ErrCorruptEmbed reports a footer magic mismatch or CRC32 mismatch on
// read (spec.md §4.8's "any CRC mismatch is fatal").
var ErrCorruptEmbed = errors.New("embed: corrupt or missing payload footer")

// ErrHostTooSmall reports a host image shorter than one footer.
var ErrHostTooSmall = errors.New("embed: host image is smaller than one footer")
