// Package value implements the engine's closed tagged-variant scalar type
// (spec §3, §7.3): the type every row field and every B-tree key ultimately
// holds, with nulls-first ordering and a fixed-width on-disk encoding per
// variant so keys of one field's index are all the same size.
package value

import (
	"bytes"
	"math"

	"github.com/pastra-db/pastra/internal/bx"
	"github.com/pastra-db/pastra/internal/engineerr"
)

// Type is the closed set of base scalar types a field descriptor can name.
type Type uint8

const (
	Bool Type = iota + 1
	Char
	Date
	DateTime
	HiresTime
	Int8
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Real
	RichReal
	Text
)

// FixedSize returns the on-disk width of a non-null key of this type, used
// both for row fixed-slot layout and for B-tree key encoding. Text keys are
// capped at TextKeyCap bytes: a field's stored value can be longer (it
// lives in the variable-size heap), but the B-tree key truncates it and
// relies on the key's row_index to break ties between values that share a
// truncated prefix.
const TextKeyCap = 24

func (t Type) FixedSize() int {
	switch t {
	case Bool:
		return 1
	case Char:
		return 4
	case Date:
		return 4
	case DateTime:
		return 8
	case HiresTime:
		return 12 // year+month+day+hour+minute+second+reserved, then a 4-byte microsecond
	case Int8, UInt8:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32:
		return 4
	case Int64, UInt64:
		return 8
	case Real:
		return 8
	case RichReal:
		return 9 // 1 byte scale + 8 byte mantissa
	case Text:
		return TextKeyCap
	default:
		return 0
	}
}

// Value is one instance of the tagged variant. IsNull, when true, means the
// Kind's payload fields are meaningless.
type Value struct {
	Kind   Type
	IsNull bool

	Bool  bool
	Int   int64  // Char (code point), Int*, UInt* (bit pattern)
	Real  float64
	Scale int8   // RichReal only
	Mant  int64  // RichReal only
	Text  string

	// Date/DateTime/HiresTime components, decomposed the way the wire codec
	// renders them ("±Y/M/D H:M:S.µs", spec §6): Year may be negative, every
	// other field is unsigned and range-checked by Validate.
	Year   int16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
	Micro  uint32
}

// Null constructs a null value of the given kind.
func Null(kind Type) Value { return Value{Kind: kind, IsNull: true} }

// Encode writes v's fixed-width key representation into buf, which must be
// at least v.Kind.FixedSize() bytes. Nulls encode as all-zero bytes with no
// extra marker; null-ness for row fields is tracked by the row's null-bit
// vector, and for B-tree keys the caller encodes nulls-first via Compare,
// not via the byte pattern.
func Encode(v Value, buf []byte) error {
	n := v.Kind.FixedSize()
	if len(buf) < n {
		return engineerr.New(engineerr.InvalidParameters, "value: buffer too small for %d-byte key", n)
	}
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	if v.IsNull {
		return nil
	}
	switch v.Kind {
	case Bool:
		if v.Bool {
			buf[0] = 1
		}
	case Char:
		bx.PutU32(buf, uint32(v.Int))
	case Date:
		bx.PutI16(buf[0:2], v.Year)
		buf[2] = v.Month
		buf[3] = v.Day
	case DateTime:
		bx.PutI16(buf[0:2], v.Year)
		buf[2] = v.Month
		buf[3] = v.Day
		buf[4] = v.Hour
		buf[5] = v.Minute
		buf[6] = v.Second
		// buf[7] reserved
	case HiresTime:
		bx.PutI16(buf[0:2], v.Year)
		buf[2] = v.Month
		buf[3] = v.Day
		buf[4] = v.Hour
		buf[5] = v.Minute
		buf[6] = v.Second
		// buf[7] reserved
		bx.PutU32(buf[8:12], v.Micro)
	case Int8:
		buf[0] = byte(v.Int)
	case Int16:
		bx.PutI16(buf, int16(v.Int))
	case Int32:
		bx.PutI32(buf, int32(v.Int))
	case Int64:
		bx.PutI64(buf, v.Int)
	case UInt8:
		buf[0] = byte(v.Int)
	case UInt16:
		bx.PutU16(buf, uint16(v.Int))
	case UInt32:
		bx.PutU32(buf, uint32(v.Int))
	case UInt64:
		bx.PutU64(buf, uint64(v.Int))
	case Real:
		bx.PutU64(buf, math.Float64bits(v.Real))
	case RichReal:
		buf[0] = byte(v.Scale)
		bx.PutI64(buf[1:], v.Mant)
	case Text:
		s := v.Text
		if len(s) > TextKeyCap {
			s = s[:TextKeyCap]
		}
		copy(buf, s)
	default:
		return engineerr.New(engineerr.FieldTypeInvalid, "value: unknown type %d", v.Kind)
	}
	return nil
}

// Decode is Encode's inverse for non-null values; callers track null-ness
// separately (the row's null bit, or the key comparator's null flag).
func Decode(kind Type, buf []byte) Value {
	switch kind {
	case Bool:
		return Value{Kind: kind, Bool: buf[0] != 0}
	case Char:
		return Value{Kind: kind, Int: int64(bx.U32(buf))}
	case Date:
		return Value{Kind: kind, Year: bx.I16(buf[0:2]), Month: buf[2], Day: buf[3]}
	case DateTime:
		return Value{
			Kind: kind, Year: bx.I16(buf[0:2]), Month: buf[2], Day: buf[3],
			Hour: buf[4], Minute: buf[5], Second: buf[6],
		}
	case HiresTime:
		return Value{
			Kind: kind, Year: bx.I16(buf[0:2]), Month: buf[2], Day: buf[3],
			Hour: buf[4], Minute: buf[5], Second: buf[6], Micro: bx.U32(buf[8:12]),
		}
	case Int8:
		return Value{Kind: kind, Int: int64(int8(buf[0]))}
	case Int16:
		return Value{Kind: kind, Int: int64(bx.I16(buf))}
	case Int32:
		return Value{Kind: kind, Int: int64(bx.I32(buf))}
	case Int64:
		return Value{Kind: kind, Int: bx.I64(buf)}
	case UInt8:
		return Value{Kind: kind, Int: int64(buf[0])}
	case UInt16:
		return Value{Kind: kind, Int: int64(bx.U16(buf))}
	case UInt32:
		return Value{Kind: kind, Int: int64(bx.U32(buf))}
	case UInt64:
		return Value{Kind: kind, Int: int64(bx.U64(buf))}
	case Real:
		return Value{Kind: kind, Real: math.Float64frombits(bx.U64(buf))}
	case RichReal:
		return Value{Kind: kind, Scale: int8(buf[0]), Mant: bx.I64(buf[1:])}
	case Text:
		end := bytes.IndexByte(buf, 0)
		if end < 0 {
			end = len(buf)
		}
		return Value{Kind: kind, Text: string(buf[:end])}
	default:
		return Value{Kind: kind}
	}
}

// Compare orders a before b with nulls sorting below every concrete value
// (spec §3, §4.5). Both must share a Kind.
func Compare(a, b Value) int {
	if a.IsNull || b.IsNull {
		switch {
		case a.IsNull && b.IsNull:
			return 0
		case a.IsNull:
			return -1
		default:
			return 1
		}
	}
	switch a.Kind {
	case Bool:
		return cmpBool(a.Bool, b.Bool)
	case Char, Int8, Int16, Int32, Int64:
		return cmpInt64(a.Int, b.Int)
	case UInt8, UInt16, UInt32, UInt64:
		return cmpUint64(uint64(a.Int), uint64(b.Int))
	case Date:
		return cmpDateComponents(a, b)
	case DateTime:
		if c := cmpDateComponents(a, b); c != 0 {
			return c
		}
		return cmpClockComponents(a, b)
	case HiresTime:
		if c := cmpDateComponents(a, b); c != 0 {
			return c
		}
		if c := cmpClockComponents(a, b); c != 0 {
			return c
		}
		return cmpUint64(uint64(a.Micro), uint64(b.Micro))
	case Real:
		return cmpFloat64(a.Real, b.Real)
	case RichReal:
		return cmpRichReal(a, b)
	case Text:
		return bytes.Compare([]byte(a.Text), []byte(b.Text))
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// cmpDateComponents compares the Year/Month/Day fields Date, DateTime, and
// HiresTime all share, in calendar order (spec §6's "±Y/M/D" cascades).
func cmpDateComponents(a, b Value) int {
	if c := cmpInt64(int64(a.Year), int64(b.Year)); c != 0 {
		return c
	}
	if c := cmpUint64(uint64(a.Month), uint64(b.Month)); c != 0 {
		return c
	}
	return cmpUint64(uint64(a.Day), uint64(b.Day))
}

// cmpClockComponents compares the Hour/Minute/Second fields DateTime and
// HiresTime share, after their date components already compared equal.
func cmpClockComponents(a, b Value) int {
	if c := cmpUint64(uint64(a.Hour), uint64(b.Hour)); c != 0 {
		return c
	}
	if c := cmpUint64(uint64(a.Minute), uint64(b.Minute)); c != 0 {
		return c
	}
	return cmpUint64(uint64(a.Second), uint64(b.Second))
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// cmpRichReal compares two decimals sharing the same scale convention by
// normalizing to the finer (larger) of the two scales before comparing
// mantissas.
func cmpRichReal(a, b Value) int {
	sa, sb := a.Scale, b.Scale
	ma, mb := a.Mant, b.Mant
	for sa > sb {
		mb *= 10
		sb++
	}
	for sb > sa {
		ma *= 10
		sa++
	}
	return cmpInt64(ma, mb)
}
