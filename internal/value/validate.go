package value

import "github.com/pastra-db/pastra/internal/engineerr"

// Unicode code point bounds a Char may hold (dbs_values.h's DChar
// constructor): surrogates and anything past the last valid code point are
// rejected, not just malformed UTF-8 sequences.
const (
	lastCodePoint      = 0x10FFFF
	utf16SurrogateLow  = 0xD800
	utf16SurrogateHigh = 0xDFFF
)

// ValidateChar rejects a Char code point outside Unicode's valid range:
// surrogate halves (U+D800-U+DFFF) and anything past U+10FFFF.
func ValidateChar(codePoint int64) error {
	if codePoint < 0 || codePoint > lastCodePoint ||
		(codePoint >= utf16SurrogateLow && codePoint <= utf16SurrogateHigh) {
		return engineerr.New(engineerr.InvalidUnicodeChar, "value: code point U+%04X is not Unicode valid", codePoint)
	}
	return nil
}

func validateDateComponents(year int16, month, day uint8) error {
	if month < 1 || month > 12 {
		return engineerr.New(engineerr.FieldTypeInvalid, "value: month %d out of range 1..12", month)
	}
	if day < 1 || day > daysInMonth(year, month) {
		return engineerr.New(engineerr.FieldTypeInvalid, "value: day %d out of range for %04d-%02d", day, year, month)
	}
	return nil
}

func validateClockComponents(hour, minute, second uint8) error {
	if hour > 23 {
		return engineerr.New(engineerr.FieldTypeInvalid, "value: hour %d out of range 0..23", hour)
	}
	if minute > 59 {
		return engineerr.New(engineerr.FieldTypeInvalid, "value: minute %d out of range 0..59", minute)
	}
	if second > 59 {
		return engineerr.New(engineerr.FieldTypeInvalid, "value: second %d out of range 0..59", second)
	}
	return nil
}

// ValidateDate range-checks a Date's Year/Month/Day.
func ValidateDate(v Value) error {
	return validateDateComponents(v.Year, v.Month, v.Day)
}

// ValidateDateTime range-checks a DateTime's date and clock components.
func ValidateDateTime(v Value) error {
	if err := validateDateComponents(v.Year, v.Month, v.Day); err != nil {
		return err
	}
	return validateClockComponents(v.Hour, v.Minute, v.Second)
}

// ValidateHiresTime range-checks a HiresTime's date, clock, and microsecond
// components (spec §6: "stored value may carry any value < 1,000,000").
func ValidateHiresTime(v Value) error {
	if err := validateDateComponents(v.Year, v.Month, v.Day); err != nil {
		return err
	}
	if err := validateClockComponents(v.Hour, v.Minute, v.Second); err != nil {
		return err
	}
	if v.Micro >= 1000000 {
		return engineerr.New(engineerr.FieldTypeInvalid, "value: microsecond %d out of range 0..999999", v.Micro)
	}
	return nil
}

// ValidateRichReal normalizes-and-checks a decimal's scale/mantissa pair.
// Scale is stored as a single byte (spec §3); a RichReal whose scale can't
// represent any int64 mantissa (more than 18 decimal digits of precision)
// can't have been produced by a correct real-number encoder.
func ValidateRichReal(v Value) error {
	if v.Scale < 0 || v.Scale > 18 {
		return engineerr.New(engineerr.FieldTypeInvalid, "value: richreal scale %d out of range 0..18", v.Scale)
	}
	return nil
}

func isLeapYear(year int16) bool {
	y := int(year)
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

func daysInMonth(year int16, month uint8) uint8 {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if isLeapYear(year) {
			return 29
		}
		return 28
	default:
		return 0
	}
}

// Validate dispatches to the per-kind validator for v.Kind, covering every
// type a field's default (non-array, non-text) scalar storage can hold
// (spec §4.7 step 7: "validate the byte representation ... on failure, null
// the field"). Bool, the Int*/UInt* family, and Real carry no invalid bit
// pattern, so they always pass.
func Validate(v Value) error {
	if v.IsNull {
		return nil
	}
	switch v.Kind {
	case Char:
		return ValidateChar(v.Int)
	case Date:
		return ValidateDate(v)
	case DateTime:
		return ValidateDateTime(v)
	case HiresTime:
		return ValidateHiresTime(v)
	case RichReal:
		return ValidateRichReal(v)
	default:
		return nil
	}
}
