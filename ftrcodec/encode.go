package ftrcodec

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	maxDepthMin = 8
	maxDepthDef = 64
	maxDepthMax = 1024

	maxReprSizeMin = 64
	maxReprSizeDef = 4096
	maxReprSizeMax = 1 << 20
)

// Encoder converts arbitrary values to the binary trace format. The zero value
// is a valid encoder with default settings.
type Encoder struct {
	// Lightweight replaces the textual rendering of opaque values with a
	// short placeholder naming the value's type. Optional. By default, full
	// renderings are computed.
	Lightweight bool

	// MaxDepth bounds the nesting of containers and pointers. Deeper values
	// are encoded as opaque placeholders. Optional. By default, the max depth
	// is 64. The minimum is 8, and the maximum is 1024.
	MaxDepth int

	// MaxReprSize bounds the length in bytes of the textual rendering of an
	// opaque value. Optional. By default, the max size is 4096. The minimum is
	// 64, and the maximum is 1MiB.
	MaxReprSize int
}

// Marshal encodes v with a default encoder.
func Marshal(v any) []byte {
	return Encoder{}.Marshal(v)
}

// MarshalLightweight encodes v with a lightweight encoder.
func MarshalLightweight(v any) []byte {
	return Encoder{Lightweight: true}.Marshal(v)
}

// Marshal encodes v. It never fails: values without a known shape are encoded
// as opaque renderings, and values that can't be rendered are encoded as
// encoding failures.
func (e Encoder) Marshal(v any) (out []byte) {
	e = e.normalize()
	s := newEncodeState(e, new(int))

	defer func() {
		if x := recover(); x != nil {
			s.out.Reset()
			s.failure(reflect.TypeOf(v))
			out = s.out.Bytes()
		}
	}()

	s.encode(reflect.ValueOf(v), 0)
	return s.out.Bytes()
}

func (e Encoder) normalize() Encoder {
	switch {
	case e.MaxDepth <= 0:
		e.MaxDepth = maxDepthDef
	case e.MaxDepth < maxDepthMin:
		e.MaxDepth = maxDepthMin
	case e.MaxDepth > maxDepthMax:
		e.MaxDepth = maxDepthMax
	}
	switch {
	case e.MaxReprSize <= 0:
		e.MaxReprSize = maxReprSizeDef
	case e.MaxReprSize < maxReprSizeMin:
		e.MaxReprSize = maxReprSizeMin
	case e.MaxReprSize > maxReprSizeMax:
		e.MaxReprSize = maxReprSizeMax
	}
	return e
}

//
//
//

var emptyStructType = reflect.TypeOf(struct{}{})

type encodeState struct {
	cfg  Encoder
	out  *bytes.Buffer
	enc  *msgpack.Encoder
	path map[uintptr]struct{} // containers on the current path, for cycles
	seq  *int                 // placeholder ids for values without an address
}

func newEncodeState(cfg Encoder, seq *int) *encodeState {
	out := &bytes.Buffer{}
	return &encodeState{
		cfg:  cfg,
		out:  out,
		enc:  msgpack.NewEncoder(out),
		path: map[uintptr]struct{}{},
		seq:  seq,
	}
}

// nested encodes into a separate buffer, for extension payloads.
func (s *encodeState) nested(fn func(*encodeState)) []byte {
	c := newEncodeState(s.cfg, s.seq)
	c.path = s.path
	fn(c)
	return c.out.Bytes()
}

func (s *encodeState) encode(v reflect.Value, depth int) {
	out, mark := s.out, s.out.Len()
	defer func() {
		if x := recover(); x != nil {
			out.Truncate(mark)
			s.failure(valueType(v))
		}
	}()

	if !v.IsValid() {
		_ = s.enc.EncodeNil()
		return
	}

	if depth > s.cfg.MaxDepth {
		s.ext(TagOpaque, []byte("<"+v.Type().String()+" beyond max depth>"))
		return
	}

	if v.CanInterface() && s.encodeKnown(v, depth) {
		return
	}

	switch v.Kind() {
	case reflect.Bool:
		_ = s.enc.EncodeBool(v.Bool())

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		_ = s.enc.EncodeInt(v.Int())

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		_ = s.enc.EncodeUint(v.Uint())

	case reflect.Float32, reflect.Float64:
		_ = s.enc.EncodeFloat64(v.Float())

	case reflect.String:
		_ = s.enc.EncodeString(v.String())

	case reflect.Interface:
		s.encode(v.Elem(), depth)

	case reflect.Pointer:
		if v.IsNil() {
			_ = s.enc.EncodeNil()
			return
		}
		if !s.enter(v) {
			return
		}
		defer s.leave(v)
		s.encode(v.Elem(), depth+1)

	case reflect.Slice:
		if v.IsNil() {
			_ = s.enc.EncodeNil()
			return
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			_ = s.enc.EncodeBytes(v.Bytes())
			return
		}
		if v.Len() > 0 {
			if !s.enter(v) {
				return
			}
			defer s.leave(v)
		}
		s.list(v, depth)

	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			_ = s.enc.EncodeBytes(b)
			return
		}
		s.list(v, depth)

	case reflect.Map:
		if v.IsNil() {
			_ = s.enc.EncodeNil()
			return
		}
		if !s.enter(v) {
			return
		}
		defer s.leave(v)
		if v.Type().Elem() == emptyStructType {
			s.ext(TagSet, s.nested(func(c *encodeState) { c.keySet(v, depth) }))
			return
		}
		s.dict(v, depth)

	default:
		s.opaque(v)
	}
}

// encodeKnown handles types with a dedicated representation, and reports
// whether v was one of them.
func (s *encodeState) encodeKnown(v reflect.Value, depth int) bool {
	switch x := v.Interface().(type) {
	case Raw:
		if len(x) == 0 {
			_ = s.enc.EncodeNil()
		} else {
			s.out.Write(x)
		}
	case Opaque:
		s.ext(TagOpaque, []byte(x.Text))
	case EncodingFailure:
		s.ext(TagFailure, []byte(x.TypeName))
	case time.Time:
		s.ext(TagDateTime, []byte(x.Format(time.RFC3339Nano)))
	case civil.Date:
		s.ext(TagDate, []byte(x.String()))
	case civil.Time:
		s.ext(TagTime, []byte(x.String()))
	case *big.Int:
		if x == nil {
			_ = s.enc.EncodeNil()
		} else {
			s.ext(TagBigInt, bigIntBytes(x))
		}
	case big.Int:
		s.ext(TagBigInt, bigIntBytes(&x))
	case decimal.Decimal:
		s.ext(TagDecimal, []byte(x.String()))
	case Tuple:
		rv := reflect.ValueOf(x)
		s.ext(TagTuple, s.nested(func(c *encodeState) { c.list(rv, depth) }))
	case Set:
		rv := reflect.ValueOf(x)
		s.ext(TagSet, s.nested(func(c *encodeState) { c.list(rv, depth) }))
	case FrozenSet:
		rv := reflect.ValueOf(x)
		s.ext(TagFrozenSet, s.nested(func(c *encodeState) { c.list(rv, depth) }))
	default:
		return false
	}
	return true
}

func (s *encodeState) list(v reflect.Value, depth int) {
	n := v.Len()
	_ = s.enc.EncodeArrayLen(n)
	for i := 0; i < n; i++ {
		s.encode(v.Index(i), depth+1)
	}
}

func (s *encodeState) dict(v reflect.Value, depth int) {
	keys := sortedKeys(v)
	_ = s.enc.EncodeMapLen(len(keys))
	for _, k := range keys {
		s.key(k, depth)
		s.encode(v.MapIndex(k), depth+1)
	}
}

func (s *encodeState) keySet(v reflect.Value, depth int) {
	keys := sortedKeys(v)
	_ = s.enc.EncodeArrayLen(len(keys))
	for _, k := range keys {
		s.key(k, depth)
	}
}

// key encodes a map key. Scalar keys are encoded natively, anything else is
// encoded as an opaque rendering, so that decoded keys are always comparable.
func (s *encodeState) key(k reflect.Value, depth int) {
	for k.Kind() == reflect.Interface && !k.IsNil() {
		k = k.Elem()
	}
	switch k.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		s.encode(k, depth+1)
	case reflect.Interface:
		_ = s.enc.EncodeNil()
	default:
		s.opaque(k)
	}
}

func (s *encodeState) ext(tag int8, payload []byte) {
	_ = s.enc.EncodeExtHeader(tag, len(payload))
	s.out.Write(payload)
}

func (s *encodeState) failure(t reflect.Type) {
	s.ext(TagFailure, []byte(qualifiedTypeName(t)))
}

// opaque encodes a textual rendering of v, or a placeholder in lightweight
// mode. A rendering that panics produces an encoding failure instead.
func (s *encodeState) opaque(v reflect.Value) {
	if s.cfg.Lightweight {
		s.ext(TagOpaque, []byte(s.placeholder(v)))
		return
	}

	text, ok := renderRepr(v, s.cfg.MaxReprSize)
	if !ok {
		s.failure(v.Type())
		return
	}

	s.ext(TagOpaque, []byte(text))
}

func (s *encodeState) placeholder(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Sprintf("<%s object #%#x>", v.Type().String(), v.Pointer())
	default:
		*s.seq++
		return fmt.Sprintf("<%s object #%d>", v.Type().String(), *s.seq)
	}
}

// enter marks a reference value as being on the current path. If it's already
// there, the value is cyclic: a placeholder is written and enter returns false.
func (s *encodeState) enter(v reflect.Value) bool {
	p := v.Pointer()
	if _, ok := s.path[p]; ok {
		s.ext(TagOpaque, []byte("<recursive "+v.Type().String()+">"))
		return false
	}
	s.path[p] = struct{}{}
	return true
}

func (s *encodeState) leave(v reflect.Value) {
	delete(s.path, v.Pointer())
}

//
//
//

// bigIntBytes returns the minimal big-endian two's complement form of x.
func bigIntBytes(x *big.Int) []byte {
	n := x.BitLen()/8 + 1
	buf := make([]byte, n)
	if x.Sign() >= 0 {
		return x.FillBytes(buf)
	}
	y := new(big.Int).Lsh(big.NewInt(1), uint(8*n))
	y.Add(y, x)
	return y.FillBytes(buf)
}

func sortedKeys(m reflect.Value) []reflect.Value {
	keys := m.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return keys
}

func keyLess(a, b reflect.Value) bool {
	for a.Kind() == reflect.Interface && !a.IsNil() {
		a = a.Elem()
	}
	for b.Kind() == reflect.Interface && !b.IsNil() {
		b = b.Elem()
	}

	switch ak, bk := kindClass(a), kindClass(b); {
	case ak != bk:
		return ak < bk
	case ak == classString:
		return a.String() < b.String()
	case ak == classInt:
		return a.Int() < b.Int()
	case ak == classUint:
		return a.Uint() < b.Uint()
	case ak == classFloat:
		return a.Float() < b.Float()
	case ak == classBool:
		return !a.Bool() && b.Bool()
	default:
		return fmt.Sprint(a) < fmt.Sprint(b)
	}
}

const (
	classBool = iota
	classInt
	classUint
	classFloat
	classString
	classOther
)

func kindClass(v reflect.Value) int {
	switch v.Kind() {
	case reflect.Bool:
		return classBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return classInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return classUint
	case reflect.Float32, reflect.Float64:
		return classFloat
	case reflect.String:
		return classString
	default:
		return classOther
	}
}

func valueType(v reflect.Value) reflect.Type {
	if !v.IsValid() {
		return nil
	}
	return v.Type()
}

// qualifiedTypeName returns the package-qualified name of t, e.g.
// "net/http.Request" or "*net/http.Request".
func qualifiedTypeName(t reflect.Type) string {
	switch {
	case t == nil:
		return "nil"
	case t.Kind() == reflect.Pointer:
		return "*" + qualifiedTypeName(t.Elem())
	case t.Name() != "" && t.PkgPath() != "":
		return t.PkgPath() + "." + t.Name()
	default:
		return t.String()
	}
}
