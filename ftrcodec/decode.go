package ftrcodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

var (
	// ErrTruncated means the input ended before a complete value was read.
	ErrTruncated = errors.New("truncated input")

	// ErrMalformed means the input isn't a valid encoded value.
	ErrMalformed = errors.New("malformed input")

	// ErrUnknownExtension means the input uses an extension tag which isn't
	// part of the format.
	ErrUnknownExtension = errors.New("unknown extension tag")
)

// DecodeError is returned by Unmarshal for any invalid input. It wraps one of
// ErrTruncated, ErrMalformed, or ErrUnknownExtension.
type DecodeError struct {
	Offset int
	Err    error
	Detail string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("decode at offset %d: %v: %s", e.Offset, e.Err, e.Detail)
}

// Unwrap returns the underlying sentinel error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

const maxDecodeDepth = 2048

// Unmarshal decodes exactly one value from data.
//
// Maps with only string keys decode to map[string]any, other maps decode to
// map[any]any. Integers decode to int64, or uint64 when they don't fit. Floats
// decode to float64. Extension values decode to Opaque, time.Time, civil.Date,
// civil.Time, *big.Int, decimal.Decimal, Tuple, Set, FrozenSet, or
// EncodingFailure.
func Unmarshal(data []byte) (any, error) {
	return unmarshal(data, 0)
}

func unmarshal(data []byte, depth int) (any, error) {
	d := newDecodeState(data)
	v, err := d.decode(depth)
	if err != nil {
		return nil, err
	}
	if n := d.r.Len(); n > 0 {
		return nil, d.errorf(ErrMalformed, "%d trailing byte(s)", n)
	}
	return v, nil
}

type decodeState struct {
	size int
	r    *bytes.Reader
	dec  *msgpack.Decoder
}

func newDecodeState(data []byte) *decodeState {
	r := bytes.NewReader(data)
	return &decodeState{
		size: len(data),
		r:    r,
		dec:  msgpack.NewDecoder(r),
	}
}

func (d *decodeState) offset() int {
	return d.size - d.r.Len()
}

func (d *decodeState) errorf(sentinel error, format string, args ...any) error {
	return &DecodeError{Offset: d.offset(), Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}

func (d *decodeState) wrap(err error) error {
	var de *DecodeError
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &DecodeError{Offset: d.offset(), Err: ErrTruncated}
	default:
		return &DecodeError{Offset: d.offset(), Err: ErrMalformed, Detail: err.Error()}
	}
}

func (d *decodeState) decode(depth int) (any, error) {
	if depth > maxDecodeDepth {
		return nil, d.errorf(ErrMalformed, "nesting exceeds %d", maxDecodeDepth)
	}

	c, err := d.dec.PeekCode()
	if err != nil {
		return nil, d.wrap(err)
	}

	switch {
	case c == msgpcode.Nil:
		return nil, d.check(d.dec.DecodeNil())

	case c == msgpcode.False, c == msgpcode.True:
		b, err := d.dec.DecodeBool()
		return b, d.check(err)

	case msgpcode.IsFixedNum(c), c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		i, err := d.dec.DecodeInt64()
		return i, d.check(err)

	case c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64:
		u, err := d.dec.DecodeUint64()
		if err != nil {
			return nil, d.wrap(err)
		}
		if u <= math.MaxInt64 {
			return int64(u), nil
		}
		return u, nil

	case c == msgpcode.Float, c == msgpcode.Double:
		f, err := d.dec.DecodeFloat64()
		return f, d.check(err)

	case msgpcode.IsString(c):
		s, err := d.dec.DecodeString()
		return s, d.check(err)

	case msgpcode.IsBin(c):
		b, err := d.dec.DecodeBytes()
		return b, d.check(err)

	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		return d.decodeArray(depth)

	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		return d.decodeMap(depth)

	case msgpcode.IsExt(c):
		return d.decodeExt(depth)

	default:
		return nil, d.errorf(ErrMalformed, "invalid code %#x", c)
	}
}

func (d *decodeState) check(err error) error {
	if err != nil {
		return d.wrap(err)
	}
	return nil
}

func (d *decodeState) decodeArray(depth int) ([]any, error) {
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return nil, d.wrap(err)
	}
	if n > d.r.Len() {
		return nil, &DecodeError{Offset: d.offset(), Err: ErrTruncated, Detail: fmt.Sprintf("array of %d element(s)", n)}
	}

	arr := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	return arr, nil
}

func (d *decodeState) decodeMap(depth int) (any, error) {
	n, err := d.dec.DecodeMapLen()
	if err != nil {
		return nil, d.wrap(err)
	}
	if 2*n > d.r.Len() {
		return nil, &DecodeError{Offset: d.offset(), Err: ErrTruncated, Detail: fmt.Sprintf("map of %d entries", n)}
	}

	var (
		strs = make(map[string]any, n)
		anys map[any]any
	)
	for i := 0; i < n; i++ {
		k, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}

		if s, ok := k.(string); ok && anys == nil {
			strs[s] = v
			continue
		}

		if k != nil && !reflect.TypeOf(k).Comparable() {
			return nil, d.errorf(ErrMalformed, "map key of type %T", k)
		}
		if anys == nil {
			anys = make(map[any]any, n)
			for s, v := range strs {
				anys[s] = v
			}
		}
		anys[k] = v
	}

	if anys != nil {
		return anys, nil
	}
	return strs, nil
}

func (d *decodeState) decodeExt(depth int) (any, error) {
	tag, n, err := d.dec.DecodeExtHeader()
	if err != nil {
		return nil, d.wrap(err)
	}
	if n > d.r.Len() {
		return nil, &DecodeError{Offset: d.offset(), Err: ErrTruncated, Detail: fmt.Sprintf("extension payload of %d byte(s)", n)}
	}

	payload := make([]byte, n)
	if err := d.dec.ReadFull(payload); err != nil {
		return nil, d.wrap(err)
	}

	switch tag {
	case TagOpaque:
		return Opaque{Text: string(payload)}, nil

	case TagFailure:
		return EncodingFailure{TypeName: string(payload)}, nil

	case TagDateTime:
		t, err := time.Parse(time.RFC3339Nano, string(payload))
		if err != nil {
			return nil, d.errorf(ErrMalformed, "timestamp: %v", err)
		}
		return t, nil

	case TagDate:
		t, err := civil.ParseDate(string(payload))
		if err != nil {
			return nil, d.errorf(ErrMalformed, "date: %v", err)
		}
		return t, nil

	case TagTime:
		t, err := civil.ParseTime(string(payload))
		if err != nil {
			return nil, d.errorf(ErrMalformed, "time: %v", err)
		}
		return t, nil

	case TagBigInt:
		if len(payload) == 0 {
			return nil, d.errorf(ErrMalformed, "empty integer")
		}
		return bigIntFromBytes(payload), nil

	case TagDecimal:
		x, err := decimal.NewFromString(string(payload))
		if err != nil {
			return nil, d.errorf(ErrMalformed, "decimal: %v", err)
		}
		return x, nil

	case TagTuple, TagSet, TagFrozenSet:
		v, err := unmarshal(payload, depth+1)
		if err != nil {
			return nil, err
		}
		arr, ok := v.([]any)
		if !ok {
			return nil, d.errorf(ErrMalformed, "extension %d holds %T, not a list", tag, v)
		}
		switch tag {
		case TagTuple:
			return Tuple(arr), nil
		case TagSet:
			return Set(arr), nil
		default:
			return FrozenSet(arr), nil
		}

	default:
		return nil, d.errorf(ErrUnknownExtension, "tag %d", tag)
	}
}

func bigIntFromBytes(b []byte) *big.Int {
	x := new(big.Int).SetBytes(b)
	if b[0]&0x80 != 0 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(8*len(b))))
	}
	return x
}
