// Package codec moves values between Go types and their JSON wire form.
//
// Values that crossed a link arrive as json.RawMessage and are decoded
// lazily into whatever type the receiver asks for.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
)

var ErrConvert = errors.New("codec: cannot convert value")

var rawType = reflect.TypeOf(json.RawMessage(nil))

// Marshal encodes v for the wire. nil encodes as JSON null.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConvert, err)
	}
	return b, nil
}

// Unmarshal wraps wire bytes for lazy decoding. Empty input and JSON null
// both yield nil.
func Unmarshal(data []byte) any {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	out := make(json.RawMessage, len(trimmed))
	copy(out, trimmed)
	return out
}

// Convert produces a value of type t from v. Raw JSON is decoded, numeric
// kinds are converted when the value survives unchanged, and anything else
// goes through a JSON round trip.
func Convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if t == rawType {
			return reflect.ValueOf(raw), nil
		}
		return decode(raw, t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	if isNumber(rv.Kind()) && isNumber(t.Kind()) {
		return convertNumber(rv, t)
	}
	if rv.Kind() == reflect.String && t.Kind() == reflect.String {
		return rv.Convert(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T to %s: %v", ErrConvert, v, t, err)
	}
	return decode(b, t)
}

// Decode converts v into T.
func Decode[T any](v any) (T, error) {
	var zero T
	t := reflect.TypeOf((*T)(nil)).Elem()
	rv, err := Convert(v, t)
	if err != nil {
		return zero, err
	}
	out, _ := rv.Interface().(T)
	return out, nil
}

// Args splits an argument payload into positional values. A JSON array is
// split element-wise, []any is returned as is, nil means no arguments and
// anything else is a single argument.
func Args(v any) ([]any, error) {
	switch a := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return a, nil
	case json.RawMessage:
		trimmed := bytes.TrimSpace(a)
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return []any{a}, nil
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return nil, fmt.Errorf("%w: arguments: %v", ErrConvert, err)
		}
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	default:
		return []any{v}, nil
	}
}

func decode(raw []byte, t reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: json to %s: %v", ErrConvert, t, err)
	}
	return ptr.Elem(), nil
}

// convertNumber refuses conversions the wire decoder would refuse too:
// fractions into integers, negatives into unsigned types and overflow.
func convertNumber(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	lossy := func() (reflect.Value, error) {
		return reflect.Value{}, fmt.Errorf("%w: %v does not fit %s", ErrConvert, rv.Interface(), t)
	}
	switch {
	case isInt(rv.Kind()):
		n := rv.Int()
		switch {
		case isInt(t.Kind()):
			if out.OverflowInt(n) {
				return lossy()
			}
			out.SetInt(n)
		case isUint(t.Kind()):
			if n < 0 || out.OverflowUint(uint64(n)) {
				return lossy()
			}
			out.SetUint(uint64(n))
		default:
			out.SetFloat(float64(n))
		}
	case isUint(rv.Kind()):
		n := rv.Uint()
		switch {
		case isInt(t.Kind()):
			if n > math.MaxInt64 || out.OverflowInt(int64(n)) {
				return lossy()
			}
			out.SetInt(int64(n))
		case isUint(t.Kind()):
			if out.OverflowUint(n) {
				return lossy()
			}
			out.SetUint(n)
		default:
			out.SetFloat(float64(n))
		}
	default:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return lossy()
		}
		switch {
		case isInt(t.Kind()):
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 || out.OverflowInt(int64(f)) {
				return lossy()
			}
			out.SetInt(int64(f))
		case isUint(t.Kind()):
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 || out.OverflowUint(uint64(f)) {
				return lossy()
			}
			out.SetUint(uint64(f))
		default:
			if out.OverflowFloat(f) {
				return lossy()
			}
			out.SetFloat(f)
		}
	}
	return out, nil
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	default:
		return false
	}
}

func isUint(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	default:
		return false
	}
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
