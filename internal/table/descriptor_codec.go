package table

import (
	"github.com/pastra-db/pastra/internal/bx"
	"github.com/pastra-db/pastra/internal/engineerr"
	"github.com/pastra-db/pastra/internal/value"
)

// descFixedSize is the width of a descriptor's fixed fields, before its
// NUL-terminated name (spec §3's "field descriptors followed by their
// names").
const descFixedSize = 20

// EncodeDescriptors serializes fields into the table container's
// descriptor area: one descFixedSize record per field, each immediately
// followed by its NUL-terminated name.
func EncodeDescriptors(fields []FieldDescriptor) []byte {
	out := make([]byte, 0, len(fields)*(descFixedSize+8))
	for _, f := range fields {
		rec := make([]byte, descFixedSize)
		rec[0] = byte(f.BaseType)
		if f.IsArray {
			rec[1] = 1
		}
		bx.PutU32(rec[2:6], uint32(f.NullBitIndex))
		bx.PutU32(rec[6:10], uint32(f.RowOffset))
		bx.PutU32(rec[10:14], uint32(f.IndexNodeSizeKiB))
		bx.PutU32(rec[14:18], uint32(f.IndexUnits))
		bx.PutU16(rec[18:20], uint16(len(f.Name)))
		out = append(out, rec...)
		out = append(out, f.Name...)
		out = append(out, 0)
	}
	return out
}

// DecodeDescriptors is EncodeDescriptors's inverse, reading exactly count
// descriptors out of buf.
func DecodeDescriptors(buf []byte, count int) ([]FieldDescriptor, error) {
	fields := make([]FieldDescriptor, count)
	pos := 0
	for i := 0; i < count; i++ {
		if pos+descFixedSize > len(buf) {
			return nil, engineerr.New(engineerr.TableInvalid, "table: descriptor area truncated at field %d", i)
		}
		rec := buf[pos : pos+descFixedSize]
		nameLen := int(bx.U16(rec[18:20]))
		pos += descFixedSize
		if pos+nameLen+1 > len(buf) {
			return nil, engineerr.New(engineerr.TableInvalid, "table: descriptor name truncated at field %d", i)
		}
		name := string(buf[pos : pos+nameLen])
		if buf[pos+nameLen] != 0 {
			return nil, engineerr.New(engineerr.TableInvalid, "table: descriptor name not NUL-terminated at field %d", i)
		}
		pos += nameLen + 1

		fields[i] = FieldDescriptor{
			Name:             name,
			BaseType:         value.Type(rec[0]),
			IsArray:          rec[1] != 0,
			NullBitIndex:     int(bx.U32(rec[2:6])),
			RowOffset:        int(bx.U32(rec[6:10])),
			IndexNodeSizeKiB: int(bx.U32(rec[10:14])),
			IndexUnits:       int(bx.U32(rec[14:18])),
		}
	}
	return fields, nil
}

// DescriptorsAreaLen returns the exact byte length EncodeDescriptors(fields)
// will produce, used to size the header's descLen field before encoding.
func DescriptorsAreaLen(fields []FieldDescriptor) int {
	n := 0
	for _, f := range fields {
		n += descFixedSize + len(f.Name) + 1
	}
	return n
}
