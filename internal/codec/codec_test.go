package codec

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestDecodeRawJSON(t *testing.T) {
	got, err := Decode[point](json.RawMessage(`{"x":1,"y":2}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != (point{X: 1, Y: 2}) {
		t.Fatalf("got=%+v", got)
	}
}

func TestDecodeNumericConversion(t *testing.T) {
	got, err := Decode[int](float64(41))
	if err != nil || got != 41 {
		t.Fatalf("got=%d err=%v", got, err)
	}
	f, err := Decode[float64](int32(3))
	if err != nil || f != 3 {
		t.Fatalf("got=%v err=%v", f, err)
	}
}

func TestConvertRejectsLossyNumbers(t *testing.T) {
	cases := []struct {
		name string
		in   any
		to   reflect.Type
	}{
		{"fraction to int", 41.9, reflect.TypeOf(int(0))},
		{"negative to uint8", -1, reflect.TypeOf(uint8(0))},
		{"negative float to uint", -2.0, reflect.TypeOf(uint(0))},
		{"int overflows int8", 300, reflect.TypeOf(int8(0))},
		{"uint overflows int64", uint64(1 << 63), reflect.TypeOf(int64(0))},
		{"float overflows float32", 1e300, reflect.TypeOf(float32(0))},
		{"nan to int", math.NaN(), reflect.TypeOf(int(0))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Convert(tc.in, tc.to); !errors.Is(err, ErrConvert) {
				t.Fatalf("expected ErrConvert, got %v", err)
			}
			// the wire form must be refused the same way
			b, err := Marshal(tc.in)
			if err != nil {
				return
			}
			if _, err := Convert(Unmarshal(b), tc.to); !errors.Is(err, ErrConvert) {
				t.Fatalf("wire form: expected ErrConvert, got %v", err)
			}
		})
	}
}

func TestConvertKeepsExactNumbers(t *testing.T) {
	v, err := Convert(41.0, reflect.TypeOf(uint8(0)))
	if err != nil || v.Interface().(uint8) != 41 {
		t.Fatalf("got=%v err=%v", v, err)
	}
	v, err = Convert(uint16(255), reflect.TypeOf(int8(0)))
	if err == nil {
		t.Fatalf("expected overflow, got %v", v)
	}
	v, err = Convert(int64(-7), reflect.TypeOf(float32(0)))
	if err != nil || v.Interface().(float32) != -7 {
		t.Fatalf("got=%v err=%v", v, err)
	}
}

func TestDecodeNilIsZero(t *testing.T) {
	got, err := Decode[point](nil)
	if err != nil || got != (point{}) {
		t.Fatalf("got=%+v err=%v", got, err)
	}
	var iface any
	iface, err = Decode[any](nil)
	if err != nil || iface != nil {
		t.Fatalf("got=%v err=%v", iface, err)
	}
}

func TestConvertRoundTripsMaps(t *testing.T) {
	v, err := Convert(map[string]any{"x": 5, "y": 6}, reflect.TypeOf(point{}))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if v.Interface().(point) != (point{X: 5, Y: 6}) {
		t.Fatalf("got=%+v", v.Interface())
	}
}

func TestConvertFailure(t *testing.T) {
	_, err := Decode[int](json.RawMessage(`"nope"`))
	if !errors.Is(err, ErrConvert) {
		t.Fatalf("expected ErrConvert, got %v", err)
	}
}

func TestUnmarshalNull(t *testing.T) {
	if v := Unmarshal([]byte(" null ")); v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
	if v := Unmarshal(nil); v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
	raw, ok := Unmarshal([]byte(`[1,2]`)).(json.RawMessage)
	if !ok || string(raw) != "[1,2]" {
		t.Fatalf("unexpected raw: %v", raw)
	}
}

func TestArgs(t *testing.T) {
	args, err := Args(json.RawMessage(`[1,"two",{"x":3}]`))
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	s, err := Decode[string](args[1])
	if err != nil || s != "two" {
		t.Fatalf("second arg got=%q err=%v", s, err)
	}
	single, err := Args(json.RawMessage(`7`))
	if err != nil || len(single) != 1 {
		t.Fatalf("single arg got=%v err=%v", single, err)
	}
	none, err := Args(nil)
	if err != nil || len(none) != 0 {
		t.Fatalf("nil args got=%v err=%v", none, err)
	}
}
