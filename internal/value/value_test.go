package value

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	cases := []Value{
		{Kind: Bool, Bool: true},
		{Kind: Int32, Int: -42},
		{Kind: UInt64, Int: int64(^uint64(0) >> 1)},
		{Kind: Real, Real: 3.14159},
		{Kind: Text, Text: "hello"},
	}
	for _, v := range cases {
		buf := make([]byte, v.Kind.FixedSize())
		require.NoError(t, Encode(v, buf))
		got := Decode(v.Kind, buf)
		require.Equal(t, v.Kind, got.Kind)
		switch v.Kind {
		case Bool:
			require.Equal(t, v.Bool, got.Bool)
		case Real:
			require.InDelta(t, v.Real, got.Real, 1e-12)
		case Text:
			require.Equal(t, v.Text, got.Text)
		default:
			require.Equal(t, v.Int, got.Int)
		}
	}
}

func TestCompareNullsFirst(t *testing.T) {
	null := Null(Int32)
	nonNull := Value{Kind: Int32, Int: -1000}
	require.Equal(t, -1, Compare(null, nonNull))
	require.Equal(t, 1, Compare(nonNull, null))
	require.Equal(t, 0, Compare(null, Null(Int32)))
}

func TestCompareOrdering(t *testing.T) {
	a := Value{Kind: Int64, Int: 5}
	b := Value{Kind: Int64, Int: 10}
	require.Negative(t, Compare(a, b))
	require.Positive(t, Compare(b, a))
	require.Zero(t, Compare(a, a))
}

func TestCompareRichRealDifferentScales(t *testing.T) {
	a := Value{Kind: RichReal, Scale: 2, Mant: 150} // 1.50
	b := Value{Kind: RichReal, Scale: 1, Mant: 15}  // 1.5
	require.Zero(t, Compare(a, b))
}

func TestTextKeyTruncation(t *testing.T) {
	v := Value{Kind: Text, Text: "this string is definitely longer than the cap"}
	buf := make([]byte, Text.FixedSize())
	require.NoError(t, Encode(v, buf))
	got := Decode(Text, buf)
	require.Equal(t, v.Text[:TextKeyCap], got.Text)
}

func TestHiresTimeEncodeDecodeRoundtrip(t *testing.T) {
	v := Value{Kind: HiresTime, Year: 1999, Month: 12, Day: 31, Hour: 23, Minute: 59, Second: 59, Micro: 999999}
	buf := make([]byte, HiresTime.FixedSize())
	require.NoError(t, Encode(v, buf))
	got := Decode(HiresTime, buf)
	require.Equal(t, v, got)
}

func TestCompareDateTimeOrdering(t *testing.T) {
	a := Value{Kind: DateTime, Year: 2024, Month: 1, Day: 1, Hour: 10}
	b := Value{Kind: DateTime, Year: 2024, Month: 1, Day: 1, Hour: 11}
	require.Negative(t, Compare(a, b))
	require.Positive(t, Compare(b, a))
	require.Zero(t, Compare(a, a))
}

func TestValidateChar(t *testing.T) {
	require.NoError(t, ValidateChar(0x41))
	require.Error(t, ValidateChar(0xD800))
	require.Error(t, ValidateChar(0x110000))
}

func TestValidateDateRejectsImpossibleDay(t *testing.T) {
	require.Error(t, ValidateDate(Value{Kind: Date, Year: 2023, Month: 2, Day: 29}))
	require.NoError(t, ValidateDate(Value{Kind: Date, Year: 2024, Month: 2, Day: 29}))
}

func TestValidateHiresTimeRejectsOverflowMicros(t *testing.T) {
	v := Value{Kind: HiresTime, Year: 2024, Month: 1, Day: 1, Micro: 1000000}
	require.Error(t, ValidateHiresTime(v))
}
