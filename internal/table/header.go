package table

import (
	"github.com/pastra-db/pastra/internal/bx"
	"github.com/pastra-db/pastra/internal/engineerr"
)

// HeaderSize is the fixed width of the table container's header region
// (spec §3: bytes [0,128)).
const HeaderSize = 128

// Magic identifies a table container; repair refuses to touch a file
// without it (spec §4.7 step 1).
const Magic = "PASTRATB"

// Header flag bits (spec §3, §4.6).
const (
	FlagModified Flag = 1 << 0
	FlagRepairNeeded Flag = 1 << 1
)

type Flag uint32

// Header is the table container's fixed 128-byte prefix.
type Header struct {
	FieldsCount      uint32
	DescriptorsLen   uint32
	RowCount         uint64
	MaxFileSize      uint64
	MainTableSize    uint64
	VarHeapSize      uint64
	RowRemovalRoot   uint32
	RowRemovalHead   uint32
	RowSize          uint32
	Flags            Flag
}

func (h Header) Modified() bool      { return h.Flags&FlagModified != 0 }
func (h Header) RepairNeeded() bool  { return h.Flags&FlagRepairNeeded != 0 }

func (h *Header) SetModified(v bool)     { h.setFlag(FlagModified, v) }
func (h *Header) SetRepairNeeded(v bool) { h.setFlag(FlagRepairNeeded, v) }

func (h *Header) setFlag(f Flag, v bool) {
	if v {
		h.Flags |= f
	} else {
		h.Flags &^= f
	}
}

// Encode writes h into a freshly allocated HeaderSize-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], Magic)
	bx.PutU32(buf[8:12], h.FieldsCount)
	bx.PutU32(buf[12:16], h.DescriptorsLen)
	bx.PutU64(buf[16:24], h.RowCount)
	bx.PutU64(buf[24:32], h.MaxFileSize)
	bx.PutU64(buf[32:40], h.MainTableSize)
	bx.PutU64(buf[40:48], h.VarHeapSize)
	bx.PutU32(buf[48:52], h.RowRemovalRoot)
	bx.PutU32(buf[52:56], h.RowRemovalHead)
	bx.PutU32(buf[56:60], h.RowSize)
	bx.PutU32(buf[60:64], uint32(h.Flags))
	// buf[64:128] stays zeroed: reserved (spec §3).
	return buf
}

// DecodeHeader is Encode's inverse. It fails TableInvalid if the magic
// doesn't match or buf is shorter than HeaderSize (spec §4.7 step 1).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, engineerr.New(engineerr.TableInvalid, "table: header is %d bytes, want %d", len(buf), HeaderSize)
	}
	if string(buf[0:8]) != Magic {
		return Header{}, engineerr.New(engineerr.TableInvalid, "table: bad magic %q", buf[0:8])
	}
	return Header{
		FieldsCount:    bx.U32(buf[8:12]),
		DescriptorsLen: bx.U32(buf[12:16]),
		RowCount:       bx.U64(buf[16:24]),
		MaxFileSize:    bx.U64(buf[24:32]),
		MainTableSize:  bx.U64(buf[32:40]),
		VarHeapSize:    bx.U64(buf[40:48]),
		RowRemovalRoot: bx.U32(buf[48:52]),
		RowRemovalHead: bx.U32(buf[52:56]),
		RowSize:        bx.U32(buf[56:60]),
		Flags:          Flag(bx.U32(buf[60:64])),
	}, nil
}
