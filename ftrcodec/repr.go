package ftrcodec

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

const (
	reprMaxDepth = 6
	reprMaxItems = 64
)

// renderRepr produces a bounded textual rendering of v. It returns false if
// rendering panicked, e.g. in a user-defined String method.
func renderRepr(v reflect.Value, max int) (text string, ok bool) {
	defer func() {
		if x := recover(); x != nil {
			text, ok = "", false
		}
	}()

	r := &reprWriter{max: max, seen: map[uintptr]struct{}{}}
	r.value(v, 0)
	return strings.ToValidUTF8(r.b.String(), "�"), true
}

type reprWriter struct {
	b    strings.Builder
	max  int
	full bool
	seen map[uintptr]struct{}
}

func (r *reprWriter) str(s string) {
	if r.full {
		return
	}
	if room := r.max - r.b.Len(); len(s) > room {
		r.b.WriteString(s[:room])
		r.b.WriteString("...")
		r.full = true
		return
	}
	r.b.WriteString(s)
}

func (r *reprWriter) value(v reflect.Value, depth int) {
	if r.full {
		return
	}

	if !v.IsValid() {
		r.str("nil")
		return
	}

	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case error:
			if !isNilRef(v) {
				r.str(x.Error())
				return
			}
		case fmt.Stringer:
			if !isNilRef(v) {
				r.str(x.String())
				return
			}
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		r.str(strconv.FormatBool(v.Bool()))

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		r.str(strconv.FormatInt(v.Int(), 10))

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		r.str(strconv.FormatUint(v.Uint(), 10))

	case reflect.Float32, reflect.Float64:
		r.str(strconv.FormatFloat(v.Float(), 'g', -1, 64))

	case reflect.Complex64, reflect.Complex128:
		r.str(strconv.FormatComplex(v.Complex(), 'g', -1, 128))

	case reflect.String:
		r.str(strconv.Quote(v.String()))

	case reflect.Interface:
		r.value(v.Elem(), depth)

	case reflect.Pointer:
		if v.IsNil() {
			r.str("nil")
			return
		}
		if depth >= reprMaxDepth || !r.enter(v) {
			r.str(fmt.Sprintf("(%s)(%#x)", v.Type(), v.Pointer()))
			return
		}
		defer r.leave(v)
		r.str("&")
		r.value(v.Elem(), depth+1)

	case reflect.Struct:
		r.str(v.Type().String())
		r.str("{")
		if depth >= reprMaxDepth {
			r.str("...}")
			return
		}
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if i >= reprMaxItems {
				r.str(", ...")
				break
			}
			if i > 0 {
				r.str(", ")
			}
			r.str(t.Field(i).Name)
			r.str(": ")
			r.value(v.Field(i), depth+1)
		}
		r.str("}")

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			r.str(v.Type().String() + "(nil)")
			return
		}
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			r.str(fmt.Sprintf("%q", v.Bytes()))
			return
		}
		if depth >= reprMaxDepth {
			r.str("[...]")
			return
		}
		if v.Kind() == reflect.Slice && v.Len() > 0 {
			if !r.enter(v) {
				r.str("[...]")
				return
			}
			defer r.leave(v)
		}
		r.str("[")
		for i := 0; i < v.Len(); i++ {
			if i >= reprMaxItems {
				r.str(", ...")
				break
			}
			if i > 0 {
				r.str(", ")
			}
			r.value(v.Index(i), depth+1)
		}
		r.str("]")

	case reflect.Map:
		if v.IsNil() {
			r.str(v.Type().String() + "(nil)")
			return
		}
		if depth >= reprMaxDepth || !r.enter(v) {
			r.str("map[...]")
			return
		}
		defer r.leave(v)
		r.str("map[")
		for i, k := range sortedKeys(v) {
			if i >= reprMaxItems {
				r.str(", ...")
				break
			}
			if i > 0 {
				r.str(", ")
			}
			r.value(k, depth+1)
			r.str(": ")
			r.value(v.MapIndex(k), depth+1)
		}
		r.str("]")

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			r.str(v.Type().String() + "(nil)")
			return
		}
		r.str(fmt.Sprintf("%s(%#x)", v.Type(), v.Pointer()))

	default:
		r.str("<" + v.Type().String() + ">")
	}
}

func (r *reprWriter) enter(v reflect.Value) bool {
	p := v.Pointer()
	if _, ok := r.seen[p]; ok {
		return false
	}
	r.seen[p] = struct{}{}
	return true
}

func (r *reprWriter) leave(v reflect.Value) {
	delete(r.seen, v.Pointer())
}

func isNilRef(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return v.IsNil()
	}
	return false
}
