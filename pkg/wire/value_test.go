package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueCBOR(t *testing.T) {
	values := []Value{
		BoolValue(true),
		Int32Value(-12),
		Int64Value(1 << 40),
		Uint32Value(7),
		Uint64Value(1 << 63),
		FloatValue(3.5),
		DoubleValue(-0.25),
		StringValue("PARKED"),
		BoolArrayValue([]bool{true, false}),
		Int64ArrayValue([]int64{1, -2, 3}),
		DoubleArrayValue([]float64{0.5, 1.5}),
		StringArrayValue([]string{"a", "b"}),
		{},
	}

	for _, v := range values {
		t.Run(v.Type().String(), func(t *testing.T) {
			data, err := Marshal(v)
			require.NoError(t, err)

			var got Value
			require.NoError(t, Unmarshal(data, &got))
			assert.Equal(t, v.Type(), got.Type())
			assert.True(t, v.Equal(got), "got %v, want %v", got, v)
		})
	}
}

func TestValueUnknownType(t *testing.T) {
	data, err := Marshal(map[int]any{1: 200, 2: 1})
	require.NoError(t, err)

	var v Value
	assert.ErrorIs(t, Unmarshal(data, &v), ErrUnsupported)
}

func TestValueImmutable(t *testing.T) {
	src := []string{"a", "b"}
	v := StringArrayValue(src)
	src[0] = "changed"

	got := v.Interface().([]string)
	assert.Equal(t, "a", got[0])

	got[1] = "changed"
	assert.Equal(t, []string{"a", "b"}, v.Interface())
}

func TestValueAccessors(t *testing.T) {
	b, err := BoolValue(true).Bool()
	require.NoError(t, err)
	assert.True(t, b)

	_, err = StringValue("x").Bool()
	assert.ErrorIs(t, err, ErrWrongType)

	i, err := Uint32Value(5).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(5), i)

	_, err = Uint64Value(1 << 63).Int64()
	assert.ErrorIs(t, err, ErrWrongType)

	f, err := Int32Value(-2).Float64()
	require.NoError(t, err)
	assert.Equal(t, -2.0, f)

	s, err := StringValue("DRIVE").Str()
	require.NoError(t, err)
	assert.Equal(t, "DRIVE", s)
}

func TestValueOf(t *testing.T) {
	v, err := ValueOf(42)
	require.NoError(t, err)
	assert.Equal(t, TypeInt64, v.Type())

	v, err = ValueOf(float32(1))
	require.NoError(t, err)
	assert.Equal(t, TypeFloat, v.Type())

	_, err = ValueOf(struct{}{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		typ  DataType
		in   string
		want Value
	}{
		{TypeBool, "true", BoolValue(true)},
		{TypeInt32, "-4", Int32Value(-4)},
		{TypeUint64, "18446744073709551615", Uint64Value(1<<64 - 1)},
		{TypeDouble, "2.5", DoubleValue(2.5)},
		{TypeString, "hello world", StringValue("hello world")},
		{TypeInt64Array, "1, 2,3", Int64ArrayValue([]int64{1, 2, 3})},
		{TypeStringArray, "", StringArrayValue(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String()+"/"+tt.in, func(t *testing.T) {
			got, err := ParseValue(tt.typ, tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
		})
	}

	_, err := ParseValue(TypeInt32, "abc")
	assert.Error(t, err)

	typ, err := ParseDataType("double[]")
	require.NoError(t, err)
	assert.Equal(t, TypeDoubleArray, typ)
	_, err = ParseDataType("complex")
	assert.Error(t, err)
}
