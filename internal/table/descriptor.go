package table

import (
	"regexp"

	"github.com/pastra-db/pastra/internal/engineerr"
	"github.com/pastra-db/pastra/internal/value"
)

// fieldNamePattern is the identifier grammar every field name and table
// name must satisfy (spec §6: "matching [A-Za-z0-9_]+").
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// heapSlotSize is the fixed width of an array or text field's row slot: an
// inline short value or an (entry_id, size) pair into the variable-size
// heap (spec §3).
const heapSlotSize = 16

// FieldDescriptor is one column's shape (spec §3): base type, array-ness,
// its null bit, its byte offset within a row, and index metadata if it has
// a secondary B-tree.
type FieldDescriptor struct {
	Name     string
	BaseType value.Type
	IsArray  bool

	// NullBitIndex is this field's bit position within the row's
	// null-bits vector, unique within the table.
	NullBitIndex int

	// RowOffset is the byte offset of this field's fixed portion within
	// a row, measured after the null-bits vector.
	RowOffset int

	// IndexNodeSizeKiB and IndexUnits are nonzero iff the field carries a
	// secondary B-tree (spec §4.5: "node size (KiB), physical units used
	// by the index container; both zero if unindexed").
	IndexNodeSizeKiB int
	IndexUnits       int
}

func (d FieldDescriptor) Indexed() bool { return d.IndexNodeSizeKiB > 0 }

// RowSize is the number of bytes this field occupies inside a row slot.
// Array fields and text fields (array or not) always occupy the 16-byte
// heap slot; every other scalar uses its natural fixed width.
func (d FieldDescriptor) RowSize() int {
	if d.IsArray || d.BaseType == value.Text {
		return heapSlotSize
	}
	return d.BaseType.FixedSize()
}

// Validate checks the invariants spec §3 and §7 name for one descriptor:
// text may not be array, the name must be a legal identifier, and the base
// type must be one engine recognizes.
func (d FieldDescriptor) Validate() error {
	if !fieldNamePattern.MatchString(d.Name) {
		return engineerr.New(engineerr.FieldNameInvalid, "table: field name %q is not [A-Za-z0-9_]+", d.Name)
	}
	if d.BaseType < value.Bool || d.BaseType > value.Text {
		return engineerr.New(engineerr.FieldTypeInvalid, "table: unknown base type %d for field %q", d.BaseType, d.Name)
	}
	if d.IsArray && d.BaseType == value.Text {
		return engineerr.New(engineerr.FieldTypeInvalid, "table: field %q may not be a text array", d.Name)
	}
	return nil
}

// validateFieldSet checks the table-wide invariants: no duplicate names,
// every individual descriptor valid.
func validateFieldSet(fields []FieldDescriptor) error {
	if len(fields) == 0 {
		return engineerr.New(engineerr.InvalidParameters, "table: a table needs at least one field")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if err := f.Validate(); err != nil {
			return err
		}
		if seen[f.Name] {
			return engineerr.New(engineerr.FieldNameDuplicated, "table: duplicate field name %q", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// layoutFields assigns NullBitIndex (0..n-1, in declaration order) and
// RowOffset (summed RowSize, after the null-bits vector) to every field,
// the way repair's descriptor-normalization step (spec §4.7 step 2)
// recomputes them from scratch.
func layoutFields(fields []FieldDescriptor) (out []FieldDescriptor, rowSize int) {
	out = make([]FieldDescriptor, len(fields))
	nullBitsLen := (len(fields) + 7) / 8
	offset := nullBitsLen
	for i, f := range fields {
		f.NullBitIndex = i
		f.RowOffset = offset
		out[i] = f
		offset += f.RowSize()
	}
	return out, offset
}

func nullBitsLen(fieldCount int) int { return (fieldCount + 7) / 8 }
