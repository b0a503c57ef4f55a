package wire

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// DataType identifies the type carried by a Value.
type DataType uint8

const (
	TypeUnspecified DataType = iota
	TypeBool
	TypeInt32
	TypeInt64
	TypeUint32
	TypeUint64
	TypeFloat
	TypeDouble
	TypeString
	TypeBoolArray
	TypeInt64Array
	TypeDoubleArray
	TypeStringArray
)

// String returns the data type name.
func (t DataType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBoolArray:
		return "bool[]"
	case TypeInt64Array:
		return "int64[]"
	case TypeDoubleArray:
		return "double[]"
	case TypeStringArray:
		return "string[]"
	default:
		return "unspecified"
	}
}

// ParseDataType parses a data type name as returned by DataType.String.
func ParseDataType(s string) (DataType, error) {
	for t := TypeBool; t <= TypeStringArray; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeUnspecified, fmt.Errorf("unknown data type %q", s)
}

// Value errors.
var (
	ErrWrongType   = errors.New("value has a different type")
	ErrUnsupported = errors.New("unsupported value type")
)

// Value is an immutable typed signal value.
//
// CBOR encoding:
//
//	{
//	  1: type,   // DataType
//	  2: value   // scalar or array matching type
//	}
type Value struct {
	typ DataType
	v   any
}

func BoolValue(b bool) Value { return Value{typ: TypeBool, v: b} }
func Int32Value(i int32) Value { return Value{typ: TypeInt32, v: i} }
func Int64Value(i int64) Value { return Value{typ: TypeInt64, v: i} }
func Uint32Value(u uint32) Value { return Value{typ: TypeUint32, v: u} }
func Uint64Value(u uint64) Value { return Value{typ: TypeUint64, v: u} }
func FloatValue(f float32) Value { return Value{typ: TypeFloat, v: f} }
func DoubleValue(f float64) Value { return Value{typ: TypeDouble, v: f} }
func StringValue(s string) Value { return Value{typ: TypeString, v: s} }
func BoolArrayValue(b []bool) Value { return Value{typ: TypeBoolArray, v: slices.Clone(b)} }
func Int64ArrayValue(i []int64) Value { return Value{typ: TypeInt64Array, v: slices.Clone(i)} }
func DoubleArrayValue(f []float64) Value {
	return Value{typ: TypeDoubleArray, v: slices.Clone(f)}
}
func StringArrayValue(s []string) Value {
	return Value{typ: TypeStringArray, v: slices.Clone(s)}
}

// ValueOf wraps a native Go value. Plain int is mapped to int64.
func ValueOf(x any) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v, nil
	case bool:
		return BoolValue(v), nil
	case int:
		return Int64Value(int64(v)), nil
	case int32:
		return Int32Value(v), nil
	case int64:
		return Int64Value(v), nil
	case uint32:
		return Uint32Value(v), nil
	case uint64:
		return Uint64Value(v), nil
	case float32:
		return FloatValue(v), nil
	case float64:
		return DoubleValue(v), nil
	case string:
		return StringValue(v), nil
	case []bool:
		return BoolArrayValue(v), nil
	case []int64:
		return Int64ArrayValue(v), nil
	case []float64:
		return DoubleArrayValue(v), nil
	case []string:
		return StringArrayValue(v), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupported, x)
	}
}

// ParseValue parses the textual form of a value of the given type.
// Array elements are comma separated.
func ParseValue(t DataType, s string) (Value, error) {
	switch t {
	case TypeBool:
		b, err := strconv.ParseBool(s)
		return BoolValue(b), err
	case TypeInt32:
		i, err := strconv.ParseInt(s, 10, 32)
		return Int32Value(int32(i)), err
	case TypeInt64:
		i, err := strconv.ParseInt(s, 10, 64)
		return Int64Value(i), err
	case TypeUint32:
		u, err := strconv.ParseUint(s, 10, 32)
		return Uint32Value(uint32(u)), err
	case TypeUint64:
		u, err := strconv.ParseUint(s, 10, 64)
		return Uint64Value(u), err
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 32)
		return FloatValue(float32(f)), err
	case TypeDouble:
		f, err := strconv.ParseFloat(s, 64)
		return DoubleValue(f), err
	case TypeString:
		return StringValue(s), nil
	case TypeStringArray:
		return StringArrayValue(splitList(s)), nil
	case TypeBoolArray:
		parts := splitList(s)
		out := make([]bool, len(parts))
		for i, p := range parts {
			b, err := strconv.ParseBool(p)
			if err != nil {
				return Value{}, err
			}
			out[i] = b
		}
		return Value{typ: t, v: out}, nil
	case TypeInt64Array:
		parts := splitList(s)
		out := make([]int64, len(parts))
		for i, p := range parts {
			n, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return Value{}, err
			}
			out[i] = n
		}
		return Value{typ: t, v: out}, nil
	case TypeDoubleArray:
		parts := splitList(s)
		out := make([]float64, len(parts))
		for i, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return Value{}, err
			}
			out[i] = f
		}
		return Value{typ: t, v: out}, nil
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Type returns the data type of the value.
func (v Value) Type() DataType { return v.typ }

// IsZero reports whether the value carries no data.
func (v Value) IsZero() bool { return v.typ == TypeUnspecified }

// Interface returns the value as a native Go value. Slices are copies.
func (v Value) Interface() any {
	switch x := v.v.(type) {
	case []bool:
		return slices.Clone(x)
	case []int64:
		return slices.Clone(x)
	case []float64:
		return slices.Clone(x)
	case []string:
		return slices.Clone(x)
	default:
		return x
	}
}

// Bool returns the boolean value.
func (v Value) Bool() (bool, error) {
	b, ok := v.v.(bool)
	if !ok || v.typ != TypeBool {
		return false, fmt.Errorf("%w: %s is not bool", ErrWrongType, v.typ)
	}
	return b, nil
}

// Int64 returns any signed or unsigned integer value widened to int64.
func (v Value) Int64() (int64, error) {
	switch x := v.v.(type) {
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > 1<<63-1 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrWrongType, x)
		}
		return int64(x), nil
	}
	return 0, fmt.Errorf("%w: %s is not an integer", ErrWrongType, v.typ)
}

// Float64 returns any numeric value as float64.
func (v Value) Float64() (float64, error) {
	switch x := v.v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	}
	i, err := v.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not numeric", ErrWrongType, v.typ)
	}
	return float64(i), nil
}

// Str returns the string value.
func (v Value) Str() (string, error) {
	s, ok := v.v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is not string", ErrWrongType, v.typ)
	}
	return s, nil
}

// Equal reports whether two values have the same type and content.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch x := v.v.(type) {
	case []bool:
		return slices.Equal(x, o.v.([]bool))
	case []int64:
		return slices.Equal(x, o.v.([]int64))
	case []float64:
		return slices.Equal(x, o.v.([]float64))
	case []string:
		return slices.Equal(x, o.v.([]string))
	default:
		return v.v == o.v
	}
}

// String formats the value for display.
func (v Value) String() string {
	if v.typ == TypeUnspecified {
		return "<none>"
	}
	return fmt.Sprint(v.v)
}

type valueWire struct {
	Type DataType        `cbor:"1,keyasint"`
	Raw  cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler.
func (v Value) MarshalCBOR() ([]byte, error) {
	w := valueWire{Type: v.typ}
	if v.typ != TypeUnspecified {
		raw, err := Marshal(v.v)
		if err != nil {
			return nil, err
		}
		w.Raw = raw
	}
	return Marshal(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var w valueWire
	if err := Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == TypeUnspecified {
		*v = Value{}
		return nil
	}
	if len(w.Raw) == 0 {
		return fmt.Errorf("value of type %s has no content", w.Type)
	}

	var err error
	switch w.Type {
	case TypeBool:
		*v, err = decodeAs[bool](w.Raw, w.Type)
	case TypeInt32:
		*v, err = decodeAs[int32](w.Raw, w.Type)
	case TypeInt64:
		*v, err = decodeAs[int64](w.Raw, w.Type)
	case TypeUint32:
		*v, err = decodeAs[uint32](w.Raw, w.Type)
	case TypeUint64:
		*v, err = decodeAs[uint64](w.Raw, w.Type)
	case TypeFloat:
		*v, err = decodeAs[float32](w.Raw, w.Type)
	case TypeDouble:
		*v, err = decodeAs[float64](w.Raw, w.Type)
	case TypeString:
		*v, err = decodeAs[string](w.Raw, w.Type)
	case TypeBoolArray:
		*v, err = decodeAs[[]bool](w.Raw, w.Type)
	case TypeInt64Array:
		*v, err = decodeAs[[]int64](w.Raw, w.Type)
	case TypeDoubleArray:
		*v, err = decodeAs[[]float64](w.Raw, w.Type)
	case TypeStringArray:
		*v, err = decodeAs[[]string](w.Raw, w.Type)
	default:
		return fmt.Errorf("%w: type %d", ErrUnsupported, w.Type)
	}
	return err
}

func decodeAs[T any](raw []byte, t DataType) (Value, error) {
	var x T
	if err := Unmarshal(raw, &x); err != nil {
		return Value{}, fmt.Errorf("decode %s value: %w", t, err)
	}
	return Value{typ: t, v: x}, nil
}

// Datapoint is a signal value observed at a point in time.
//
// CBOR encoding:
//
//	{
//	  1: path,      // string
//	  2: value,     // Value
//	  3: timestamp  // RFC 3339 string
//	}
type Datapoint struct {
	Path      string    `cbor:"1,keyasint"`
	Value     Value     `cbor:"2,keyasint"`
	Timestamp time.Time `cbor:"3,keyasint"`
}

// SameObservation reports whether two datapoints describe the same
// observation: equal path, value and timestamp.
func (d Datapoint) SameObservation(o Datapoint) bool {
	return d.Path == o.Path && d.Timestamp.Equal(o.Timestamp) && d.Value.Equal(o.Value)
}
