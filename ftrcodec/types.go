// Package ftrcodec implements the binary trace format. Values are encoded as
// MessagePack, with a small set of extension tags for values that have no
// portable representation. Encoding never fails. Decoding rejects truncated or
// malformed input with a typed error.
package ftrcodec

// Extension tags used by the format.
const (
	TagOpaque    int8 = 0
	TagDateTime  int8 = 1
	TagDate      int8 = 2
	TagTime      int8 = 3
	TagBigInt    int8 = 4
	TagDecimal   int8 = 5
	TagTuple     int8 = 6
	TagSet       int8 = 7
	TagFrozenSet int8 = 8
	TagFailure   int8 = 127
)

// Opaque is a value that could only be captured as a textual rendering.
type Opaque struct {
	Text string
}

func (o Opaque) String() string { return o.Text }

// EncodingFailure records a value that could not be encoded at all. TypeName
// is the package-qualified type name of that value.
type EncodingFailure struct {
	TypeName string
}

func (f EncodingFailure) String() string {
	return "EncodingFailure: failed to encode object of type '" + f.TypeName + "'"
}

// Tuple is an ordered, fixed-arity sequence.
type Tuple []any

// Set is an unordered collection of unique values.
type Set []any

// FrozenSet is an immutable, unordered collection of unique values.
type FrozenSet []any

// Raw is a value that is already encoded. It's written to the output verbatim,
// which allows callers to encode parts of a larger document ahead of time.
// The bytes must hold exactly one encoded value.
type Raw []byte
